package tierconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTiersYAML(t *testing.T, configDir string, body string) {
	t.Helper()
	tiersDir := filepath.Join(configDir, "tiers")
	require.NoError(t, os.MkdirAll(tiersDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tiersDir, "tiers.yaml"), []byte(body), 0o644))
}

const validTiers = `
tiers:
  T0:
    name: "No tools"
    description: "Baseline, no tool access"
  T1:
    name: "Tools enabled"
    description: "Tools available"
    prompt_file: "t1.md"
    tools_enabled: true
  T2:
    name: "Delegation"
    description: "Multi-agent delegation"
    delegation_enabled: true
  T3:
    name: "Full"
    description: "Everything enabled"
`

func TestNewLoader_Valid(t *testing.T) {
	dir := t.TempDir()
	writeTiersYAML(t, dir, validTiers)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiers", "t1.md"), []byte("do the task"), 0o644))

	loader, err := NewLoader(dir)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"T0", "T1", "T2", "T3"}, loader.GetTierIDs())

	t1, err := loader.GetTier("T1")
	require.NoError(t, err)
	assert.Equal(t, "do the task", t1.PromptContent)
	require.NotNil(t, t1.ToolsEnabled)
	assert.True(t, *t1.ToolsEnabled)
}

func TestNewLoader_MissingRequiredTier(t *testing.T) {
	dir := t.TempDir()
	writeTiersYAML(t, dir, `
tiers:
  T0:
    name: "No tools"
    description: "Baseline"
`)
	_, err := NewLoader(dir)
	assert.Error(t, err)
}

func TestNewLoader_MissingFile(t *testing.T) {
	_, err := NewLoader(t.TempDir())
	assert.Error(t, err)
}

func TestGetTier_MissingPromptFile(t *testing.T) {
	dir := t.TempDir()
	writeTiersYAML(t, dir, `
tiers:
  T0:
    name: "No tools"
    description: "Baseline"
    prompt_file: "missing.md"
  T1:
    name: "a"
    description: "b"
  T2:
    name: "a"
    description: "b"
  T3:
    name: "a"
    description: "b"
`)
	loader, err := NewLoader(dir)
	require.NoError(t, err)

	_, err = loader.GetTier("T0")
	assert.Error(t, err)
}

func TestValidateTierID(t *testing.T) {
	dir := t.TempDir()
	writeTiersYAML(t, dir, validTiers)
	loader, err := NewLoader(dir)
	require.NoError(t, err)

	assert.True(t, loader.ValidateTierID("T0"))
	assert.False(t, loader.ValidateTierID("T99"))
}
