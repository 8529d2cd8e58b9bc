package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onexay/forge/internal/storage"
)

// ObjectBackend enumerates supported object stores.
type ObjectBackend string

const (
	// ObjectBackendFS keeps loose objects under each repository root.
	ObjectBackendFS ObjectBackend = "fs"
	// ObjectBackendMemory keeps objects in-process.
	ObjectBackendMemory ObjectBackend = "memory"
	// ObjectBackendKeyDB persists objects to KeyDB/Redis.
	ObjectBackendKeyDB ObjectBackend = "keydb"
	// ObjectBackendPostgres persists objects to PostgreSQL.
	ObjectBackendPostgres ObjectBackend = "postgres"
)

// RefBackend enumerates supported ref stores.
type RefBackend string

const (
	RefBackendBolt   RefBackend = "bolt"
	RefBackendMemory RefBackend = "memory"
	RefBackendKeyDB  RefBackend = "keydb"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr  string
	Log      LogConfig
	Storage  StorageConfig
	Registry RegistryConfig
	Limits   LimitsConfig
	Push     PushConfig
}

// LogConfig selects the logger level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Root          string
	ObjectBackend ObjectBackend
	RefBackend    RefBackend
	KeyDB         storage.Config
	Postgres      storage.PostgresConfig
}

// RegistryConfig points at the SQLite registry file.
type RegistryConfig struct {
	Path string
}

// LimitsConfig holds the size limits enforced before anything is persisted.
type LimitsConfig struct {
	PushBodyLimit   int64
	FileSizeCeiling int64
}

// PushConfig tunes the write path.
type PushConfig struct {
	ReceiveTimeout   time.Duration
	QueueDepth       int
	QueueWait        time.Duration
	ApplyConcurrency int
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		APIAddr: envDefault("API_ADDR", ":8080"),
		Log: LogConfig{
			Level:  envDefault("LOG_LEVEL", "info"),
			Format: envDefault("LOG_FORMAT", "text"),
		},
		Storage: StorageConfig{
			Root:          envDefault("STORAGE_ROOT", "data/repos"),
			ObjectBackend: ObjectBackend(strings.ToLower(envDefault("OBJECT_BACKEND", string(ObjectBackendFS)))),
			RefBackend:    RefBackend(strings.ToLower(envDefault("REF_BACKEND", string(RefBackendBolt)))),
			KeyDB: storage.Config{
				Addr:     os.Getenv("KEYDB_ADDR"),
				Username: os.Getenv("KEYDB_USERNAME"),
				Password: os.Getenv("KEYDB_PASSWORD"),
				Database: envInt("KEYDB_DB", 0),
			},
			Postgres: storage.PostgresConfig{
				URL:      os.Getenv("POSTGRES_URL"),
				MaxConns: envInt("POSTGRES_MAX_CONNS", 10),
			},
		},
		Registry: RegistryConfig{
			Path: envDefault("REGISTRY_PATH", "data/registry.db"),
		},
		Limits: LimitsConfig{
			PushBodyLimit:   envBytes("PUSH_BODY_LIMIT", 200<<20),
			FileSizeCeiling: envBytes("FILE_SIZE_CEILING", 100<<20),
		},
		Push: PushConfig{
			ReceiveTimeout:   envDuration("RECEIVE_TIMEOUT", 30*time.Second),
			QueueDepth:       envInt("PUSH_QUEUE_DEPTH", 4),
			QueueWait:        envDuration("PUSH_QUEUE_WAIT", 10*time.Second),
			ApplyConcurrency: envInt("APPLY_CONCURRENCY", 8),
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Limits.PushBodyLimit <= 0 {
		return fmt.Errorf("PUSH_BODY_LIMIT must be positive")
	}
	if c.Limits.FileSizeCeiling <= 0 {
		return fmt.Errorf("FILE_SIZE_CEILING must be positive")
	}
	if c.Limits.FileSizeCeiling > c.Limits.PushBodyLimit {
		return fmt.Errorf("FILE_SIZE_CEILING (%s) exceeds PUSH_BODY_LIMIT (%s)",
			humanize.IBytes(uint64(c.Limits.FileSizeCeiling)), humanize.IBytes(uint64(c.Limits.PushBodyLimit)))
	}
	if c.Push.QueueDepth < 0 {
		return fmt.Errorf("PUSH_QUEUE_DEPTH must not be negative")
	}
	if c.Push.ApplyConcurrency <= 0 {
		return fmt.Errorf("APPLY_CONCURRENCY must be positive")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}

	switch c.Storage.ObjectBackend {
	case ObjectBackendFS, ObjectBackendMemory, ObjectBackendKeyDB:
	case ObjectBackendPostgres:
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("POSTGRES_URL is required for the postgres object backend")
		}
	default:
		return fmt.Errorf("unknown OBJECT_BACKEND %q", c.Storage.ObjectBackend)
	}
	switch c.Storage.RefBackend {
	case RefBackendBolt, RefBackendMemory, RefBackendKeyDB:
	default:
		return fmt.Errorf("unknown REF_BACKEND %q", c.Storage.RefBackend)
	}
	return nil
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

// envBytes accepts plain byte counts or sizes such as "200MiB" and "50MB".
func envBytes(key string, def int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := humanize.ParseBytes(val); err == nil {
			return int64(n)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}
