// Package herrors defines the harness's error taxonomy as concrete,
// inspectable Go types rather than exception classes. Every layer of
// the state machine hierarchy (run, subtest, tier, experiment) inspects
// an error with errors.As/errors.Is and decides whether to swallow it,
// propagate it, or promote it to its own failed state.
package herrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for checkpoint load/save failures.
var (
	ErrCheckpointWriteFailed = errors.New("checkpoint write failed")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrCheckpointCorrupt     = errors.New("checkpoint corrupt")
	ErrIncompatibleVersion   = errors.New("incompatible checkpoint version")
	ErrConfigMismatch        = errors.New("config hash mismatch")
)

// ShutdownInterrupted signals a cooperative cancellation (SIGINT) was
// observed while Stage was executing. The recorded-state handling for
// this differs by state-machine level: see the statemachine package.
type ShutdownInterrupted struct {
	Stage string
}

func (e *ShutdownInterrupted) Error() string {
	return fmt.Sprintf("shutdown interrupted during %s", e.Stage)
}

// RateLimitError is raised when an agent or judge subprocess's output
// is detected to carry a rate-limit signal. Source is "agent" or
// "judge".
type RateLimitError struct {
	Source     string
	RetryAfter float64 // seconds; a parsed wait carries the 1.1x buffer, the default does not
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %.1fs", e.Source, e.RetryAfter)
}

// UntilHaltError signals that an --until target state was reached
// mid-batch inside a subtest's run loop. It is not a failure: the
// subtest machine swallows it after persisting the in-progress state.
type UntilHaltError struct {
	Reached string
}

func (e *UntilHaltError) Error() string {
	return fmt.Sprintf("halted at requested state %s", e.Reached)
}

// ActionError wraps a generic action failure (timeout, nonzero
// subprocess exit, assertion) with the transition and keys where it
// occurred, so user-facing messages can name the failing location
// while the full chain remains available at DEBUG via %+v-style
// logging of Unwrap().
type ActionError struct {
	Level      string // "run", "subtest", "tier", "experiment"
	Transition string
	Keys       []string
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s transition %q failed for %v: %v", e.Level, e.Transition, e.Keys, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// NewActionError builds an ActionError, returning nil if err is nil so
// callers can write `return herrors.NewActionError(...)` unconditionally
// wrapped around the result of an action call.
func NewActionError(level, transition string, keys []string, err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Level: level, Transition: transition, Keys: keys, Err: err}
}

// IsShutdown reports whether err is (or wraps) a ShutdownInterrupted.
func IsShutdown(err error) bool {
	var s *ShutdownInterrupted
	return errors.As(err, &s)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var r *RateLimitError
	return errors.As(err, &r)
}

// AsRateLimit extracts the *RateLimitError from err, if any.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var r *RateLimitError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsUntilHalt reports whether err is (or wraps) an UntilHaltError.
func IsUntilHalt(err error) bool {
	var u *UntilHaltError
	return errors.As(err, &u)
}
