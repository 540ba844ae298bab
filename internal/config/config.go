// Package config loads the engine's runtime configuration with the
// teacher's precedence model: environment variables override an
// optional YAML file, which overrides built-in defaults, all mediated
// through a single viper.Viper instance (mirroring
// pkg/config/loader.go's AutomaticEnv + SetEnvKeyReplacer pattern).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects which backends are active (§6 Configuration).
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeHybrid Mode = "hybrid"
	ModeDemo   Mode = "demo"
)

// Config holds every recognized option from §6 Configuration, plus the
// ambient operational knobs (log level, enrichment concurrency, the §5
// per-call timeouts, and the dedup candidate ceiling) layered on top.
type Config struct {
	RemoteAPIKey string
	RemoteURL    string
	DefaultUserID string
	KVURL        string

	L1TTL                   time.Duration
	L2TTL                   time.Duration
	SearchTTL               time.Duration
	FrequentAccessThreshold int64
	MaxCacheSize            int
	BatchSize               int
	SyncInterval            time.Duration

	Mode Mode

	LogLevel              string
	EnrichmentConcurrency int64
	KVTimeout             time.Duration
	RemoteTimeout         time.Duration
	EmbedTimeout          time.Duration
	ExtractTimeout        time.Duration
	JobWaitTimeout        time.Duration
	DedupMaxCandidates    int
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"remote_api_key":            "",
		"remote_url":                "",
		"default_user_id":           "default",
		"kv_url":                    "",
		"l1_ttl_seconds":            86400,
		"l2_ttl_seconds":            604800,
		"search_ttl_seconds":        300,
		"frequent_access_threshold": 3,
		"max_cache_size":            1000,
		"batch_size":                50,
		"sync_interval_ms":          300000,
		"mode":                      "hybrid",
		"log_level":                 "info",
		"enrichment_concurrency":    8,
		"kv_timeout_ms":             2000,
		"remote_timeout_ms":         10000,
		"embed_timeout_ms":          5000,
		"extract_timeout_ms":        5000,
		"job_wait_timeout_ms":       30000,
		"dedup_max_candidates":      1000,
	}
}

// Load builds a Config from (in ascending precedence) built-in
// defaults, an optional YAML file at path, and the process environment.
// An empty or unreadable path is not an error: absence of a file simply
// means defaults+env decide everything (§6: "absence selects ... mode").
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	mode := Mode(v.GetString("mode"))
	switch mode {
	case ModeLocal, ModeHybrid, ModeDemo:
	default:
		mode = ModeHybrid
	}

	cfg := &Config{
		RemoteAPIKey:            v.GetString("remote_api_key"),
		RemoteURL:               v.GetString("remote_url"),
		DefaultUserID:           v.GetString("default_user_id"),
		KVURL:                   v.GetString("kv_url"),
		L1TTL:                   time.Duration(v.GetInt64("l1_ttl_seconds")) * time.Second,
		L2TTL:                   time.Duration(v.GetInt64("l2_ttl_seconds")) * time.Second,
		SearchTTL:               time.Duration(v.GetInt64("search_ttl_seconds")) * time.Second,
		FrequentAccessThreshold: v.GetInt64("frequent_access_threshold"),
		MaxCacheSize:            v.GetInt("max_cache_size"),
		BatchSize:               v.GetInt("batch_size"),
		SyncInterval:            time.Duration(v.GetInt64("sync_interval_ms")) * time.Millisecond,
		Mode:                    mode,

		LogLevel:              v.GetString("log_level"),
		EnrichmentConcurrency: v.GetInt64("enrichment_concurrency"),
		KVTimeout:             time.Duration(v.GetInt64("kv_timeout_ms")) * time.Millisecond,
		RemoteTimeout:         time.Duration(v.GetInt64("remote_timeout_ms")) * time.Millisecond,
		EmbedTimeout:          time.Duration(v.GetInt64("embed_timeout_ms")) * time.Millisecond,
		ExtractTimeout:        time.Duration(v.GetInt64("extract_timeout_ms")) * time.Millisecond,
		JobWaitTimeout:        time.Duration(v.GetInt64("job_wait_timeout_ms")) * time.Millisecond,
		DedupMaxCandidates:    v.GetInt("dedup_max_candidates"),
	}
	return cfg, nil
}

// LocalOnly reports whether the configuration selects local-only mode:
// no RemoteAPIKey means no authenticated remote backend is reachable.
func (c *Config) LocalOnly() bool {
	return c.RemoteAPIKey == "" || c.Mode == ModeLocal
}

// EmbeddedKV reports whether KVURL is absent, selecting the in-process
// embedded KV store instead of a network Redis connection.
func (c *Config) EmbeddedKV() bool {
	return c.KVURL == ""
}
