package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptloop/internal/refine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promptloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, refine.DefaultMaxRounds, cfg.MaxRounds)
	assert.Equal(t, time.Duration(cfg.PerCallTimeout), 120*time.Second)
	assert.Equal(t, refine.DefaultAcceptMarker, cfg.AcceptMarker)
	assert.InDelta(t, 0.7, cfg.GeneratorTemperature, 0.001)
	assert.InDelta(t, 0.3, cfg.CriticTemperature, 0.001)
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
model: gpt-4o
max_rounds: 6
per_call_timeout: 90s
retry_limit: 1
accept_marker: SHIP_IT
data_dir: /tmp/promptloop
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 6, cfg.MaxRounds)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.PerCallTimeout))
	assert.Equal(t, 1, cfg.RetryLimit)
	assert.Equal(t, "SHIP_IT", cfg.AcceptMarker)
	assert.Equal(t, "/tmp/promptloop", cfg.DataDir)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, "per_call_timeout: ninety seconds\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "model: [unclosed\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "max_rounds: 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxRounds)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, refine.DefaultAcceptMarker, cfg.AcceptMarker)
}

func TestLoopConfigFillsInstructions(t *testing.T) {
	cfg := Default()
	cfg.AcceptMarker = "SHIP_IT"

	loopCfg := cfg.LoopConfig()
	require.NoError(t, loopCfg.Validate())

	assert.Equal(t, refine.DefaultGeneratorInstruction, loopCfg.GeneratorInstruction)
	assert.Contains(t, loopCfg.CriticInstruction, "SHIP_IT")
	assert.Equal(t, "SHIP_IT", loopCfg.AcceptMarker)
}

func TestLoopConfigKeepsExplicitInstructions(t *testing.T) {
	cfg := Default()
	cfg.GeneratorInstruction = "custom generator"
	cfg.CriticInstruction = "custom critic"

	loopCfg := cfg.LoopConfig()
	assert.Equal(t, "custom generator", loopCfg.GeneratorInstruction)
	assert.Equal(t, "custom critic", loopCfg.CriticInstruction)
}
