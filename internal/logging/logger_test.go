package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biome-tales/internal/config"
)

func TestNew(t *testing.T) {
	log, err := New(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestComponentToleratesNil(t *testing.T) {
	assert.NotNil(t, Component(nil, "engine"))
}
