package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInMemoryBackend(t *testing.T) {
	cfg := DefaultConfig()
	b, err := New(cfg, nil)
	require.NoError(t, err)
	_, ok := b.(*InMemoryBus)
	assert.True(t, ok, "default config should build the in-memory backend")
}

func TestNewBrokeredBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = BackendBrokered
	b, err := New(cfg, nil)
	require.NoError(t, err)
	_, ok := b.(*NATSBus)
	assert.True(t, ok)
}

func TestNewUnknownType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = "carrier-pigeon"
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewEmptyType(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"inmemory ok", func(*Config) {}, false},
		{"brokered ok", func(c *Config) { c.Type = BackendBrokered }, false},
		{"unknown type", func(c *Config) { c.Type = "smoke-signals" }, true},
		{"brokered no urls", func(c *Config) {
			c.Type = BackendBrokered
			c.NATS.URLs = nil
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGlobalLifecycle(t *testing.T) {
	require.NoError(t, ResetGlobal(time.Second))
	assert.Nil(t, Global())

	b := NewInMemoryBus(InMemoryConfig{}, nil)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, InitGlobal(b))
	assert.Equal(t, EventBus(b), Global())

	// A second init without reset is refused.
	assert.Error(t, InitGlobal(NewInMemoryBus(InMemoryConfig{}, nil)))

	// Reset stops the prior instance.
	require.NoError(t, ResetGlobal(5*time.Second))
	assert.Nil(t, Global())
	assert.False(t, b.Statistics().Running, "reset must stop the previous bus")
}
