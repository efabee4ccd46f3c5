package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  host: 127.0.0.1\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/biome-tales.db", cfg.Database.DSN)
	assert.Equal(t, "openai", cfg.AI.TextProvider)
	assert.Equal(t, "openai", cfg.AI.ImageProvider)
	assert.Equal(t, 2*time.Minute, cfg.Server.PipelineTimeout)
	assert.Len(t, cfg.Biomes, 5)
	assert.False(t, cfg.Pipeline.AtomicCreate)
	assert.Equal(t, 1, cfg.AI.ComfyUI.Workers)
	assert.Equal(t, 32, cfg.AI.ComfyUI.QueueSize)
	assert.Zero(t, cfg.Images.MaxEntries)
	assert.Zero(t, cfg.Images.TTL)
}

func TestParseDurationsAndBiomes(t *testing.T) {
	raw := `
server:
  port: 9000
  pipeline_timeout: 45s
database:
  driver: postgres
  host: db
  port: 5432
redis:
  enabled: true
  lock_ttl: 1m
ai:
  text_provider: gemini
  image_provider: comfyui
pipeline:
  atomic_create: true
biomes:
  - id: jungle
    name: Jungle
    unlocked: true
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.PipelineTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Empty(t, cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Minute, cfg.Redis.LockTTL)
	assert.Equal(t, "gemini", cfg.AI.TextProvider)
	assert.Equal(t, "comfyui", cfg.AI.ImageProvider)
	assert.True(t, cfg.Pipeline.AtomicCreate)
	require.Len(t, cfg.Biomes, 1)
	assert.Equal(t, "Jungle", cfg.Biomes[0].Name)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":         "database:\n  driver: oracle\n",
		"text provider":  "ai:\n  text_provider: llama\n",
		"image provider": "ai:\n  image_provider: paint\n",
		"duplicate":      "biomes:\n  - {id: a, name: A}\n  - {id: a, name: B}\n",
		"nameless":       "biomes:\n  - {id: a}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("GEMINI_API_KEY", "gm-env")
	t.Setenv("DATABASE_DSN", "file::memory:")

	cfg, err := Parse([]byte("ai:\n  openai:\n    api_key: sk-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.AI.OpenAI.APIKey)
	assert.Equal(t, "gm-env", cfg.AI.Gemini.APIKey)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
