package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Backend names accepted by the factory.
const (
	BackendInMemory = "inmemory"
	BackendBrokered = "brokered"
)

// Config selects and sizes a backend.
type Config struct {
	// Type is "inmemory" or "brokered".
	Type string `yaml:"type" json:"type"`

	InMemory InMemoryConfig `yaml:"inmemory" json:"inmemory"`
	NATS     NATSConfig     `yaml:"nats" json:"nats"`
}

// DefaultConfig returns an in-memory bus configuration.
func DefaultConfig() Config {
	return Config{
		Type:     BackendInMemory,
		InMemory: DefaultInMemoryConfig(),
		NATS:     DefaultNATSConfig(),
	}
}

// Validate checks the backend selection.
func (c Config) Validate() error {
	switch c.Type {
	case BackendInMemory:
		return nil
	case BackendBrokered:
		return c.NATS.Validate()
	default:
		return fmt.Errorf("unknown event bus type %q (want %q or %q)",
			c.Type, BackendInMemory, BackendBrokered)
	}
}

// New constructs a backend from configuration. Misconfiguration fails fast.
func New(cfg Config, logger *slog.Logger) (EventBus, error) {
	switch cfg.Type {
	case BackendInMemory:
		return NewInMemoryBus(cfg.InMemory, logger), nil
	case BackendBrokered:
		return NewNATSBus(cfg.NATS, logger)
	case "":
		return nil, fmt.Errorf("event bus type is required (%q or %q)",
			BackendInMemory, BackendBrokered)
	default:
		return nil, fmt.Errorf("unknown event bus type %q (want %q or %q)",
			cfg.Type, BackendInMemory, BackendBrokered)
	}
}

// Process-global bus handle. Agents obtain the shared bus through Global;
// tests swap it with InitGlobal/ResetGlobal.
var (
	globalMu  sync.Mutex
	globalBus EventBus
)

// Global returns the process-global bus, or nil if none was initialized.
func Global() EventBus {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalBus
}

// InitGlobal installs the process-global bus. It fails if one is already
// installed; call ResetGlobal first to replace it.
func InitGlobal(b EventBus) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus != nil {
		return fmt.Errorf("global event bus already initialized")
	}
	globalBus = b
	return nil
}

// ResetGlobal stops and clears the process-global bus. Intended for tests
// and for the reset command.
func ResetGlobal(timeout time.Duration) error {
	globalMu.Lock()
	prev := globalBus
	globalBus = nil
	globalMu.Unlock()

	if prev == nil {
		return nil
	}
	return prev.Stop(timeout)
}
