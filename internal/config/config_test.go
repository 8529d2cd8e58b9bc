package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, ObjectBackendFS, cfg.Storage.ObjectBackend)
	require.Equal(t, RefBackendBolt, cfg.Storage.RefBackend)
	require.EqualValues(t, 200<<20, cfg.Limits.PushBodyLimit)
	require.EqualValues(t, 100<<20, cfg.Limits.FileSizeCeiling)
	require.Equal(t, 30*time.Second, cfg.Push.ReceiveTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OBJECT_BACKEND", "KeyDB")
	t.Setenv("REF_BACKEND", "keydb")
	t.Setenv("KEYDB_ADDR", "cache:6379")
	t.Setenv("PUSH_BODY_LIMIT", "64MiB")
	t.Setenv("FILE_SIZE_CEILING", "1048576")
	t.Setenv("PUSH_QUEUE_WAIT", "250ms")
	t.Setenv("APPLY_CONCURRENCY", "not-a-number")

	cfg := Load()
	require.Equal(t, ObjectBackendKeyDB, cfg.Storage.ObjectBackend)
	require.Equal(t, "cache:6379", cfg.Storage.KeyDB.Addr)
	require.EqualValues(t, 64<<20, cfg.Limits.PushBodyLimit)
	require.EqualValues(t, 1<<20, cfg.Limits.FileSizeCeiling)
	require.Equal(t, 250*time.Millisecond, cfg.Push.QueueWait)
	require.Equal(t, 8, cfg.Push.ApplyConcurrency, "unparsable values fall back to defaults")
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"ceiling above body limit": func(c *Config) { c.Limits.FileSizeCeiling = c.Limits.PushBodyLimit + 1 },
		"zero body limit":          func(c *Config) { c.Limits.PushBodyLimit = 0 },
		"unknown object backend":   func(c *Config) { c.Storage.ObjectBackend = "s3" },
		"unknown ref backend":      func(c *Config) { c.Storage.RefBackend = "etcd" },
		"postgres without url":     func(c *Config) { c.Storage.ObjectBackend = ObjectBackendPostgres },
		"negative queue":           func(c *Config) { c.Push.QueueDepth = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
