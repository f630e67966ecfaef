// Package tierconfig loads the per-tier prompt/feature definitions a
// tier's CONFIG_LOADED transition needs: a tiers.yaml mapping tier IDs
// to definitions, each carrying an optional prompt file resolved
// relative to the tiers directory.
package tierconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// requiredTierIDs are the tier IDs a tiers.yaml must define.
var requiredTierIDs = []string{"T0", "T1", "T2", "T3"}

// Definition is one entry of tiers.yaml, before its prompt file is
// resolved.
type Definition struct {
	Name               string `yaml:"name"`
	Description        string `yaml:"description"`
	PromptFile         string `yaml:"prompt_file"`
	ToolsEnabled       *bool  `yaml:"tools_enabled"`
	DelegationEnabled  *bool  `yaml:"delegation_enabled"`
}

// tiersFile is the root shape of tiers.yaml.
type tiersFile struct {
	Tiers map[string]Definition `yaml:"tiers"`
}

// Config is a fully resolved tier: its definition plus loaded prompt
// content, if any.
type Config struct {
	TierID            string
	Name              string
	Description       string
	PromptFile        string
	PromptContent     string
	ToolsEnabled      *bool
	DelegationEnabled *bool
}

// Loader reads tiers.yaml once at construction and resolves individual
// tiers' prompt files on demand.
type Loader struct {
	tiersDir    string
	definitions map[string]Definition
	order       []string
}

// NewLoader loads {configDir}/tiers/tiers.yaml, validating that the
// required {T0,T1,T2,T3} tier set is present.
func NewLoader(configDir string) (*Loader, error) {
	tiersDir := filepath.Join(configDir, "tiers")
	tiersPath := filepath.Join(tiersDir, "tiers.yaml")

	data, err := os.ReadFile(tiersPath)
	if err != nil {
		return nil, fmt.Errorf("tiers file not found: %s: %w", tiersPath, err)
	}

	var raw tiersFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tiers.yaml: %w", err)
	}
	if raw.Tiers == nil {
		return nil, fmt.Errorf("tiers.yaml must contain a 'tiers' key")
	}

	var missing []string
	for _, id := range requiredTierIDs {
		if _, ok := raw.Tiers[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required tier definitions: %v", missing)
	}

	order := make([]string, 0, len(raw.Tiers))
	for id := range raw.Tiers {
		order = append(order, id)
	}

	return &Loader{tiersDir: tiersDir, definitions: raw.Tiers, order: order}, nil
}

// GetTier resolves one tier's prompt content, if it defines one.
func (l *Loader) GetTier(tierID string) (Config, error) {
	def, ok := l.definitions[tierID]
	if !ok {
		return Config{}, fmt.Errorf("unknown tier: %s. available: %v", tierID, l.GetTierIDs())
	}

	cfg := Config{
		TierID:            tierID,
		Name:              def.Name,
		Description:       def.Description,
		ToolsEnabled:      def.ToolsEnabled,
		DelegationEnabled: def.DelegationEnabled,
	}

	if def.PromptFile != "" {
		promptPath := filepath.Join(l.tiersDir, def.PromptFile)
		content, err := os.ReadFile(promptPath)
		if err != nil {
			return Config{}, fmt.Errorf("prompt file not found for tier %s: %s: %w", tierID, promptPath, err)
		}
		cfg.PromptFile = promptPath
		cfg.PromptContent = string(content)
	}

	return cfg, nil
}

// GetAllTiers resolves every defined tier.
func (l *Loader) GetAllTiers() ([]Config, error) {
	out := make([]Config, 0, len(l.order))
	for _, id := range l.order {
		cfg, err := l.GetTier(id)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// GetTierIDs returns the defined tier IDs.
func (l *Loader) GetTierIDs() []string {
	return append([]string(nil), l.order...)
}

// ValidateTierID reports whether tierID is defined.
func (l *Loader) ValidateTierID(tierID string) bool {
	_, ok := l.definitions[tierID]
	return ok
}
