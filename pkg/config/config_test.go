package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestate/pkg/scope"
	"livestate/pkg/store"
	"livestate/pkg/stream"
)

const fullConfig = `
persistence:
  cleanup_interval_seconds: 10
  max_entities: 1
registry:
  connection_timeout_seconds: 60
  cleanup_interval_seconds: 5
  heartbeat_interval_seconds: 15
  queue_size: 8
states:
  Counter:
    scope: session
    ttl_seconds: 3600
    auto_persist: true
    persistence_backend_name: memory
  Board:
    scope: Record
    required_permissions: [boards.read]
    required_roles: [member, admin]
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, Persistence{CleanupIntervalSeconds: 10, MaxEntities: 1}, cfg.Persistence)
	assert.Equal(t, Registry{
		ConnectionTimeoutSeconds: 60,
		CleanupIntervalSeconds:   5,
		HeartbeatIntervalSeconds: 15,
		QueueSize:                8,
	}, cfg.Registry)

	counter, err := cfg.StateConfig("Counter")
	require.NoError(t, err)
	assert.Equal(t, scope.StateConfig{
		Scope:               scope.Session,
		TTL:                 time.Hour,
		AutoPersist:         true,
		Backend:             "memory",
		RequiredPermissions: []string{},
		RequiredRoles:       []string{},
	}, normalize(counter))

	board, err := cfg.StateConfig("Board")
	require.NoError(t, err)
	assert.Equal(t, scope.Record, board.Scope)
	assert.Zero(t, board.TTL)
	assert.False(t, board.AutoPersist)
	assert.Equal(t, store.DefaultBackendName, board.Backend)
	assert.Equal(t, []string{"boards.read"}, board.RequiredPermissions)
	assert.Equal(t, []string{"member", "admin"}, board.RequiredRoles)
}

// normalize replaces nil requirement slices so struct equality is stable.
func normalize(c scope.StateConfig) scope.StateConfig {
	if c.RequiredPermissions == nil {
		c.RequiredPermissions = []string{}
	}
	if c.RequiredRoles == nil {
		c.RequiredRoles = []string{}
	}
	return c
}

func TestParseAppliesDefaults(t *testing.T) {
	for _, input := range []string{"", "states:\n  Counter: {}\n"} {
		cfg, err := Parse([]byte(input))
		require.NoError(t, err)

		assert.Equal(t, int(store.DefaultCleanupInterval/time.Second), cfg.Persistence.CleanupIntervalSeconds)
		assert.Zero(t, cfg.Persistence.MaxEntities)
		assert.Equal(t, int(stream.DefaultTimeout/time.Second), cfg.Registry.ConnectionTimeoutSeconds)
		assert.Equal(t, int(stream.DefaultCleanupInterval/time.Second), cfg.Registry.CleanupIntervalSeconds)
		assert.Equal(t, stream.DefaultQueueSize, cfg.Registry.QueueSize)
		assert.NotNil(t, cfg.States)
	}

	cfg, err := Parse([]byte("states:\n  Counter: {}\n"))
	require.NoError(t, err)
	sc, err := cfg.StateConfig("Counter")
	require.NoError(t, err)
	assert.Equal(t, scope.Global, sc.Scope)
	assert.Equal(t, store.DefaultBackendName, sc.Backend)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown key", "registry:\n  queue_sise: 3\n", "failed to parse YAML"},
		{"bad scope", "states:\n  Counter:\n    scope: tenant\n", `unknown scope "tenant"`},
		{"negative ttl", "states:\n  Counter:\n    ttl_seconds: -1\n", "ttl_seconds must not be negative"},
		{"negative capacity", "persistence:\n  max_entities: -5\n", "max_entities must not be negative"},
		{"negative queue", "registry:\n  queue_size: -1\n", "queue_size must not be negative"},
		{
			"heartbeat not below timeout",
			"registry:\n  connection_timeout_seconds: 10\n  heartbeat_interval_seconds: 10\n",
			"must be below connection_timeout_seconds",
		},
		{"malformed", "states: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStateConfigUnknown(t *testing.T) {
	cfg := Default()
	_, err := cfg.StateConfig("Missing")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestStateConfigCopiesRequirements(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	board, err := cfg.StateConfig("Board")
	require.NoError(t, err)
	board.RequiredRoles[0] = "changed"

	again, err := cfg.StateConfig("Board")
	require.NoError(t, err)
	assert.Equal(t, "member", again.RequiredRoles[0])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livestate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.States, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoreOptions(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	b := store.NewMemoryBackend(cfg.StoreOptions()...)
	defer b.Close()

	ctx := context.Background()
	_, err = b.Save(ctx, "Counter", "a", map[string]any{"count": 1})
	require.NoError(t, err)
	_, err = b.Save(ctx, "Counter", "b", map[string]any{"count": 2})
	assert.ErrorIs(t, err, store.ErrCapacityExceeded)
}

func TestRegistryOptions(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	r := stream.NewRegistry(cfg.RegistryOptions()...)
	defer r.Close()
	assert.Equal(t, time.Minute, r.Timeout())
	assert.Equal(t, 15*time.Second, r.HeartbeatInterval())

	def := stream.NewRegistry(Default().RegistryOptions()...)
	defer def.Close()
	assert.Equal(t, stream.DefaultTimeout, def.Timeout())
	assert.Equal(t, stream.DefaultTimeout/3, def.HeartbeatInterval())
}
