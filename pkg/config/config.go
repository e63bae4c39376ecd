// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default timeouts applied when the environment does not override them.
const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

// Redis holds connection settings shared by the Redis session store and the
// Redis notifier.
type Redis struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	ClusterType string // "single", "cluster" or "sentinel"
	MasterName  string // sentinel only
	Prefix      string
	Topic       string
	TTL         time.Duration
}

// Config is the full set of runtime settings for one gateway process.
type Config struct {
	// GatewayAddr is the bind address of the client-facing gateway server.
	GatewayAddr string
	// APIAddr is the bind address of the management API server.
	APIAddr string
	// DatabasePath is the SQLite database holding MCP configurations.
	DatabasePath string

	// SessionStore selects the session store backend: "memory" or "redis".
	SessionStore string
	// NotifierRole selects how this replica participates in config update
	// notifications: "sender", "receiver" or "both".
	NotifierRole string
	// NotifierType selects the notifier transport: "signal", "redis",
	// "api" or "composite".
	NotifierType string
	// APINotifyTargets lists replica base URLs the api notifier POSTs to.
	APINotifyTargets []string
	// PIDFile is where the process id is recorded for signal reloads.
	PIDFile string

	Redis Redis

	// CallTimeout bounds a single upstream tools/call.
	CallTimeout time.Duration
	// IdleTimeout closes a session after this long without client activity.
	IdleTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown of the HTTP servers.
	ShutdownTimeout time.Duration

	Debug bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway_addr", "0.0.0.0:5235")
	v.SetDefault("api_addr", "0.0.0.0:5234")
	v.SetDefault("database_path", "myunla.db")
	v.SetDefault("session_store", "memory")
	v.SetDefault("notifier_role", "both")
	v.SetDefault("notifier_type", "signal")
	v.SetDefault("api_notify_targets", "")
	v.SetDefault("pid_file", "myunla.pid")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_username", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_cluster_type", "single")
	v.SetDefault("redis_master_name", "")
	v.SetDefault("redis_prefix", "myunla:")
	v.SetDefault("redis_topic", "events")
	v.SetDefault("redis_ttl", 24*time.Hour)
	v.SetDefault("call_timeout", DefaultCallTimeout)
	v.SetDefault("idle_timeout", DefaultIdleTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("debug", false)
}

// Load reads configuration from MYUNLA_* environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MYUNLA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		GatewayAddr:      v.GetString("gateway_addr"),
		APIAddr:          v.GetString("api_addr"),
		DatabasePath:     v.GetString("database_path"),
		SessionStore:     v.GetString("session_store"),
		NotifierRole:     v.GetString("notifier_role"),
		NotifierType:     v.GetString("notifier_type"),
		APINotifyTargets: splitTargets(v.GetString("api_notify_targets")),
		PIDFile:          v.GetString("pid_file"),
		Redis: Redis{
			Addr:        v.GetString("redis_addr"),
			Username:    v.GetString("redis_username"),
			Password:    v.GetString("redis_password"),
			DB:          v.GetInt("redis_db"),
			ClusterType: v.GetString("redis_cluster_type"),
			MasterName:  v.GetString("redis_master_name"),
			Prefix:      v.GetString("redis_prefix"),
			Topic:       v.GetString("redis_topic"),
			TTL:         v.GetDuration("redis_ttl"),
		},
		CallTimeout:     v.GetDuration("call_timeout"),
		IdleTimeout:     v.GetDuration("idle_timeout"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Debug:           v.GetBool("debug"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum-valued fields and timeout sanity.
func (c *Config) Validate() error {
	switch c.SessionStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid session store %q: must be memory or redis", c.SessionStore)
	}
	switch c.NotifierRole {
	case "sender", "receiver", "both":
	default:
		return fmt.Errorf("invalid notifier role %q: must be sender, receiver or both", c.NotifierRole)
	}
	switch c.NotifierType {
	case "signal", "redis", "api", "composite":
	default:
		return fmt.Errorf("invalid notifier type %q: must be signal, redis, api or composite", c.NotifierType)
	}
	switch c.Redis.ClusterType {
	case "single", "cluster", "sentinel":
	default:
		return fmt.Errorf("invalid redis cluster type %q: must be single, cluster or sentinel", c.Redis.ClusterType)
	}
	if c.Redis.ClusterType == "sentinel" && c.Redis.MasterName == "" {
		return fmt.Errorf("redis master name is required for sentinel mode")
	}
	if c.CallTimeout <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func splitTargets(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
