// Package config loads the YAML configuration for the persistence backend,
// the connection registry and per-type state settings.
//
//	persistence:
//	  cleanup_interval_seconds: 60
//	  max_entities: 10000
//	registry:
//	  connection_timeout_seconds: 90
//	  cleanup_interval_seconds: 30
//	  heartbeat_interval_seconds: 15
//	  queue_size: 64
//	states:
//	  Counter:
//	    scope: session
//	    ttl_seconds: 3600
//	    auto_persist: true
//	    persistence_backend_name: memory
//
// Missing values take the package defaults of store and stream.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"livestate/pkg/scope"
	"livestate/pkg/store"
	"livestate/pkg/stream"
)

// ErrUnknownState is returned by StateConfig for a type with no entry.
var ErrUnknownState = errors.New("state type not configured")

// Config is the root of the configuration file.
type Config struct {
	Persistence Persistence      `yaml:"persistence"`
	Registry    Registry         `yaml:"registry"`
	States      map[string]State `yaml:"states"`
}

// Persistence configures the in-memory backend.
type Persistence struct {
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	MaxEntities            int `yaml:"max_entities"`
}

// Registry configures the connection registry.
type Registry struct {
	ConnectionTimeoutSeconds int `yaml:"connection_timeout_seconds"`
	CleanupIntervalSeconds   int `yaml:"cleanup_interval_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	QueueSize                int `yaml:"queue_size"`
}

// State configures one state type.
type State struct {
	Scope               string   `yaml:"scope"`
	TTLSeconds          int      `yaml:"ttl_seconds"`
	AutoPersist         bool     `yaml:"auto_persist"`
	Backend             string   `yaml:"persistence_backend_name"`
	RequiredPermissions []string `yaml:"required_permissions"`
	RequiredRoles       []string `yaml:"required_roles"`
}

// Default returns a configuration holding the package defaults and no states.
func Default() *Config {
	return &Config{
		Persistence: Persistence{
			CleanupIntervalSeconds: int(store.DefaultCleanupInterval / time.Second),
		},
		Registry: Registry{
			ConnectionTimeoutSeconds: int(stream.DefaultTimeout / time.Second),
			CleanupIntervalSeconds:   int(stream.DefaultCleanupInterval / time.Second),
			QueueSize:                stream.DefaultQueueSize,
		},
		States: map[string]State{},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills in defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Persistence.CleanupIntervalSeconds == 0 {
		c.Persistence.CleanupIntervalSeconds = def.Persistence.CleanupIntervalSeconds
	}
	if c.Registry.ConnectionTimeoutSeconds == 0 {
		c.Registry.ConnectionTimeoutSeconds = def.Registry.ConnectionTimeoutSeconds
	}
	if c.Registry.CleanupIntervalSeconds == 0 {
		c.Registry.CleanupIntervalSeconds = def.Registry.CleanupIntervalSeconds
	}
	if c.Registry.QueueSize == 0 {
		c.Registry.QueueSize = def.Registry.QueueSize
	}
	if c.States == nil {
		c.States = map[string]State{}
	}
	for name, st := range c.States {
		if st.Scope == "" {
			st.Scope = scope.Global.String()
		}
		if st.Backend == "" {
			st.Backend = store.DefaultBackendName
		}
		c.States[name] = st
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Persistence.CleanupIntervalSeconds < 0:
		return fmt.Errorf("persistence.cleanup_interval_seconds must not be negative")
	case c.Persistence.MaxEntities < 0:
		return fmt.Errorf("persistence.max_entities must not be negative")
	case c.Registry.ConnectionTimeoutSeconds < 0:
		return fmt.Errorf("registry.connection_timeout_seconds must not be negative")
	case c.Registry.CleanupIntervalSeconds < 0:
		return fmt.Errorf("registry.cleanup_interval_seconds must not be negative")
	case c.Registry.HeartbeatIntervalSeconds < 0:
		return fmt.Errorf("registry.heartbeat_interval_seconds must not be negative")
	case c.Registry.QueueSize < 0:
		return fmt.Errorf("registry.queue_size must not be negative")
	}

	timeout := c.Registry.ConnectionTimeoutSeconds
	if hb := c.Registry.HeartbeatIntervalSeconds; hb > 0 && timeout > 0 && hb >= timeout {
		return fmt.Errorf("registry.heartbeat_interval_seconds (%d) must be below connection_timeout_seconds (%d)", hb, timeout)
	}

	for name, st := range c.States {
		if name == "" {
			return fmt.Errorf("states: empty type name")
		}
		if st.Scope != "" {
			if _, err := scope.ParseScope(st.Scope); err != nil {
				return fmt.Errorf("states.%s.scope: %w", name, err)
			}
		}
		if st.TTLSeconds < 0 {
			return fmt.Errorf("states.%s.ttl_seconds must not be negative", name)
		}
	}
	return nil
}

// StateConfig converts the entry for name into a scope.StateConfig.
func (c *Config) StateConfig(name string) (scope.StateConfig, error) {
	st, ok := c.States[name]
	if !ok {
		return scope.StateConfig{}, fmt.Errorf("%w: %q", ErrUnknownState, name)
	}

	s := scope.Global
	if st.Scope != "" {
		parsed, err := scope.ParseScope(st.Scope)
		if err != nil {
			return scope.StateConfig{}, fmt.Errorf("states.%s.scope: %w", name, err)
		}
		s = parsed
	}

	return scope.StateConfig{
		Scope:               s,
		TTL:                 seconds(st.TTLSeconds),
		AutoPersist:         st.AutoPersist,
		Backend:             st.Backend,
		RequiredPermissions: append([]string(nil), st.RequiredPermissions...),
		RequiredRoles:       append([]string(nil), st.RequiredRoles...),
	}, nil
}

// StoreOptions returns the MemoryBackend options for the persistence section.
func (c *Config) StoreOptions() []store.MemoryOption {
	return []store.MemoryOption{
		store.WithCleanupInterval(seconds(c.Persistence.CleanupIntervalSeconds)),
		store.WithMaxEntities(c.Persistence.MaxEntities),
	}
}

// RegistryOptions returns the Registry options for the registry section.
func (c *Config) RegistryOptions() []stream.Option {
	opts := []stream.Option{
		stream.WithTimeout(seconds(c.Registry.ConnectionTimeoutSeconds)),
		stream.WithCleanupInterval(seconds(c.Registry.CleanupIntervalSeconds)),
		stream.WithQueueSize(c.Registry.QueueSize),
	}
	if hb := c.Registry.HeartbeatIntervalSeconds; hb > 0 {
		opts = append(opts, stream.WithHeartbeatInterval(seconds(hb)))
	}
	return opts
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
