package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/evalharness/harness/internal/checkpoint"
)

// LogInterval is how often PauseAndWait logs a progress update while
// sleeping out a rate-limit pause.
const LogInterval = 30 * time.Second

// PauseAndWait records the pause in the checkpoint, sleeps with
// periodic log updates, then clears the pause and saves again. The
// caller re-attempts the failing run after this returns.
func PauseAndWait(ctx context.Context, c *checkpoint.Checkpoint, save func() error, info *Info, now func() time.Time) error {
	source := string(info.Source)
	until := now().Add(info.RetryAfter).UTC().Format(time.RFC3339)

	c.Status = "paused_rate_limit"
	c.RateLimitSource = &source
	c.RateLimitUntil = &until
	c.PauseCount++
	if err := save(); err != nil {
		return err
	}

	slog.Warn("rate limited, pausing", "source", source, "until", until, "wait", info.RetryAfter)

	remaining := info.RetryAfter
	for remaining > 0 {
		step := LogInterval
		if step > remaining {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
			remaining -= step
			if remaining > 0 {
				slog.Info("still paused for rate limit", "source", source, "remaining", remaining)
			}
		}
	}

	c.Status = "running"
	c.RateLimitSource = nil
	c.RateLimitUntil = nil
	return save()
}
