package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Environment = "sandbox"
	cfg.UserAgent = ""
	cfg.EndpointURL = "https://not-websocket.example.org"
	cfg.Session.RequestTimeout = 0

	err := Validate(cfg)
	require.Error(t, err)

	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Len(t, ve.Errors, 4)
}

func TestValidate_Environment(t *testing.T) {
	cfg := Defaults()
	cfg.Environment = "dev"
	assert.Error(t, Validate(cfg))

	cfg.Environment = EnvStaging
	assert.NoError(t, Validate(cfg))
}

func TestValidate_EndpointScheme(t *testing.T) {
	cfg := Defaults()

	cfg.EndpointURL = "ws://localhost:8765/chat"
	assert.NoError(t, Validate(cfg))

	cfg.EndpointURL = "wss://chat.example.org/chat"
	assert.NoError(t, Validate(cfg))

	cfg.EndpointURL = "https://chat.example.org/chat"
	assert.Error(t, Validate(cfg))
}

func TestValidate_Proxy(t *testing.T) {
	cfg := Defaults()

	// Disabled proxy is not validated.
	assert.NoError(t, Validate(cfg))

	cfg.Proxy.Host = "proxy.internal"
	cfg.Proxy.Port = 0
	assert.Error(t, Validate(cfg))

	cfg.Proxy.Port = 65536
	assert.Error(t, Validate(cfg))

	cfg.Proxy.Port = 3128
	assert.NoError(t, Validate(cfg))

	cfg.Proxy.Host = ""
	cfg.Proxy.Port = 3128
	assert.Error(t, Validate(cfg))
}

func TestValidate_SessionDurations(t *testing.T) {
	cfg := Defaults()
	cfg.Session.ExpireInterval = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Session.DialTimeout = -1
	assert.Error(t, Validate(cfg))
}
