// Package expconfig loads experiment configuration (test.yaml): read
// bytes -> parse YAML into a raw map -> expand environment variables
// -> decode into a typed struct via mapstructure -> apply defaults ->
// validate.
package expconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ThinkingLevel is the agent's reasoning-effort knob, set by the
// --thinking flag.
type ThinkingLevel string

const (
	ThinkingNone ThinkingLevel = "None"
	ThinkingLow  ThinkingLevel = "Low"
	ThinkingMed  ThinkingLevel = "Med"
	ThinkingHigh ThinkingLevel = "High"
)

// ExperimentConfig is the typed decode target for test.yaml. Field
// names and yaml tags mirror the CLI flag names so ComputeConfigHash's
// ephemeral-field stripping lines up with the on-disk key names.
type ExperimentConfig struct {
	ExperimentID string `yaml:"experiment_id" mapstructure:"experiment_id"`
	Repo         string `yaml:"repo" mapstructure:"repo"`
	Commit       string `yaml:"commit" mapstructure:"commit"`

	Runs int `yaml:"runs" mapstructure:"runs"`

	Model       string   `yaml:"model" mapstructure:"model"`
	JudgeModel  string   `yaml:"judge_model" mapstructure:"judge_model"`
	AddJudges   []string `yaml:"add_judge" mapstructure:"add_judge"`

	TimeoutSeconds int           `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	Thinking       ThinkingLevel `yaml:"thinking" mapstructure:"thinking"`

	SkipJudgeValidation bool `yaml:"skip_judge_validation" mapstructure:"skip_judge_validation"`

	// Scheduling fields. parallel_subtests, max_subtests, the until_*
	// states and tiers_to_run are excluded from config_hash;
	// parallel_high/med/low are hashed like any other field.
	ParallelSubtests     int      `yaml:"parallel_subtests" mapstructure:"parallel_subtests"`
	ParallelHigh         int      `yaml:"parallel_high" mapstructure:"parallel_high"`
	ParallelMed          int      `yaml:"parallel_med" mapstructure:"parallel_med"`
	ParallelLow          int      `yaml:"parallel_low" mapstructure:"parallel_low"`
	MaxSubtests          int      `yaml:"max_subtests" mapstructure:"max_subtests"`
	UntilRunState        string   `yaml:"until_run_state" mapstructure:"until_run_state"`
	UntilTierState       string   `yaml:"until_tier_state" mapstructure:"until_tier_state"`
	UntilExperimentState string   `yaml:"until_experiment_state" mapstructure:"until_experiment_state"`
	TiersToRun           []string `yaml:"tiers_to_run" mapstructure:"tiers_to_run"`
}

// applyDefaults fills in the zero-value fields.
func (c *ExperimentConfig) applyDefaults() {
	if c.Runs == 0 {
		c.Runs = 1
	}
	if c.ParallelSubtests == 0 {
		c.ParallelSubtests = 4
	}
	if c.ParallelHigh == 0 {
		c.ParallelHigh = 1
	}
	if c.ParallelMed == 0 {
		c.ParallelMed = 4
	}
	if c.ParallelLow == 0 {
		c.ParallelLow = 8
	}
	if c.Thinking == "" {
		c.Thinking = ThinkingNone
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 600
	}
}

// validate checks the fields that must be present for an experiment
// to be runnable at all.
func (c *ExperimentConfig) validate() error {
	if c.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	switch c.Thinking {
	case ThinkingNone, ThinkingLow, ThinkingMed, ThinkingHigh:
	default:
		return fmt.Errorf("invalid thinking level: %q", c.Thinking)
	}
	return nil
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName, defaultVal string
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				varName, defaultVal = inner[:idx], inner[idx+2:]
			} else {
				varName = inner
			}
		} else {
			varName = match[1:]
		}
		if v, ok := os.LookupEnv(varName); ok {
			return v
		}
		return defaultVal
	})
}

func decode(input map[string]any) (*ExperimentConfig, error) {
	cfg := &ExperimentConfig{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Load reads and decodes a single test.yaml file at path.
func Load(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	raw = expandEnvVars(raw)

	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve accepts the three --config forms: a directory containing
// test.yaml, a parent directory containing
// test-* subdirectories (auto-expanding to batch mode), or a single
// .yaml file. Returns the list of test.yaml paths to load.
func Resolve(configPath string) ([]string, error) {
	info, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("stat config path %s: %w", configPath, err)
	}

	if !info.IsDir() {
		return []string{configPath}, nil
	}

	direct := filepath.Join(configPath, "test.yaml")
	if _, err := os.Stat(direct); err == nil {
		return []string{direct}, nil
	}

	entries, err := os.ReadDir(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", configPath, err)
	}

	var batch []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "test-") {
			continue
		}
		candidate := filepath.Join(configPath, e.Name(), "test.yaml")
		if _, err := os.Stat(candidate); err == nil {
			batch = append(batch, candidate)
		}
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("no test.yaml found under %s (directly or in test-* subdirs)", configPath)
	}
	return batch, nil
}

// ToRawMap round-trips cfg through YAML marshal/unmarshal to produce
// the map[string]any checkpoint.ComputeConfigHash expects, since the
// hash must reflect the exact decoded field set rather than any
// private struct internals.
func ToRawMap(cfg *ExperimentConfig) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
