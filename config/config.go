// Package config loads engine configuration from config.yaml and
// SENTINEL_-prefixed environment variables, with defaults for every
// knob so a bare `sentinel run --playbooks-dir ./playbooks` works.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	Playbooks struct {
		// Dir is the playbook directory; usually set by --playbooks-dir.
		Dir string `mapstructure:"dir"`
		// ReloadOnSighup enables hot reload of the directory on SIGHUP.
		ReloadOnSighup bool `mapstructure:"reload_on_sighup"`
	} `mapstructure:"playbooks"`

	Source struct {
		// URI selects the event source: an http(s) Loki base URL or a
		// file:// NDJSON path. Usually set by --source.
		URI string `mapstructure:"uri"`
		// Selector is the LogQL stream selector for Loki sources.
		Selector string `mapstructure:"selector"`
		// PollInterval is the delay between polls when the source is idle.
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"source"`

	Queue struct {
		// Size bounds the intake queue between consumer and evaluator.
		Size int `mapstructure:"size"`
		// Lossy drops the oldest non-critical event when the queue is
		// full instead of blocking intake.
		Lossy bool `mapstructure:"lossy"`
	} `mapstructure:"queue"`

	Ledger struct {
		// Backend is "sqlite" or "redis".
		Backend string `mapstructure:"backend"`
		// SQLitePath is the ledger database file for the sqlite backend.
		SQLitePath string `mapstructure:"sqlite_path"`
		// Retention bounds how long finalized records are kept.
		Retention time.Duration `mapstructure:"retention"`
		// PruneInterval is the cadence of the background retention sweep.
		PruneInterval time.Duration `mapstructure:"prune_interval"`
		// ClaimCacheSize sizes the in-process cooldown cache.
		ClaimCacheSize int `mapstructure:"claim_cache_size"`
		Redis          struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			PoolSize int    `mapstructure:"pool_size"`
		} `mapstructure:"redis"`
	} `mapstructure:"ledger"`

	SOAR struct {
		// DryRunAll forces every playbook into dry-run mode.
		DryRunAll bool `mapstructure:"dry_run_all"`
		// DestructiveActionsEnabled gates block_ip and similar actions.
		DestructiveActionsEnabled bool `mapstructure:"destructive_actions_enabled"`
		// DispatchRatePerSecond bounds real action executions; 0 disables.
		DispatchRatePerSecond float64 `mapstructure:"dispatch_rate_per_second"`
		// DrainTimeout bounds how long shutdown waits for in-flight
		// dispatches before abandoning them as unknown.
		DrainTimeout time.Duration `mapstructure:"drain_timeout"`
		// ScriptsDir confines run_script actions.
		ScriptsDir string `mapstructure:"scripts_dir"`
		// ScriptTimeout bounds one run_script execution.
		ScriptTimeout time.Duration `mapstructure:"script_timeout"`
		// FirewallEndpoint receives block_ip calls.
		FirewallEndpoint string `mapstructure:"firewall_endpoint"`
		// InventoryEndpoint receives tag_device calls.
		InventoryEndpoint string `mapstructure:"inventory_endpoint"`
		// TicketEndpoint receives create_ticket calls.
		TicketEndpoint string `mapstructure:"ticket_endpoint"`
		// NotifyChannels maps notify channel names to webhook URLs.
		NotifyChannels map[string]string `mapstructure:"notify_channels"`
	} `mapstructure:"soar"`

	HTTP struct {
		// Addr serves /healthz and /metrics; empty disables the server.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Logging struct {
		// Level is a zap level name: debug, info, warn, error.
		Level string `mapstructure:"level"`
		// Format is "json" or "console".
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("playbooks.dir", "./playbooks")
	viper.SetDefault("playbooks.reload_on_sighup", true)

	viper.SetDefault("source.uri", "http://localhost:3100")
	viper.SetDefault("source.selector", `{service=~".+"}`)
	viper.SetDefault("source.poll_interval", 2*time.Second)

	viper.SetDefault("queue.size", 1024)
	viper.SetDefault("queue.lossy", false)

	viper.SetDefault("ledger.backend", "sqlite")
	viper.SetDefault("ledger.sqlite_path", "./data/sentinel.db")
	viper.SetDefault("ledger.retention", 30*24*time.Hour)
	viper.SetDefault("ledger.prune_interval", time.Hour)
	viper.SetDefault("ledger.claim_cache_size", 4096)
	viper.SetDefault("ledger.redis.addr", "localhost:6379")
	viper.SetDefault("ledger.redis.password", "")
	viper.SetDefault("ledger.redis.db", 0)
	viper.SetDefault("ledger.redis.pool_size", 10)

	viper.SetDefault("soar.dry_run_all", false)
	viper.SetDefault("soar.destructive_actions_enabled", false)
	viper.SetDefault("soar.dispatch_rate_per_second", 10.0)
	viper.SetDefault("soar.drain_timeout", 30*time.Second)
	viper.SetDefault("soar.scripts_dir", "")
	viper.SetDefault("soar.script_timeout", 60*time.Second)
	viper.SetDefault("soar.firewall_endpoint", "")
	viper.SetDefault("soar.inventory_endpoint", "")
	viper.SetDefault("soar.ticket_endpoint", "")

	viper.SetDefault("http.addr", ":9090")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func loadFromEnv() {
	viper.SetEnvPrefix("SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("playbooks.dir", "SENTINEL_PLAYBOOKS_DIR")
	_ = viper.BindEnv("source.uri", "SENTINEL_SOURCE_URI")
	_ = viper.BindEnv("ledger.sqlite_path", "SENTINEL_LEDGER_PATH")
	_ = viper.BindEnv("ledger.redis.addr", "SENTINEL_REDIS_ADDR")
	_ = viper.BindEnv("ledger.redis.password", "SENTINEL_REDIS_PASSWORD")
}

// LoadConfig loads configuration from config.yaml (cwd or ./config)
// and environment variables. A missing config file is not an error.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("ledger.backend must be sqlite or redis, got %q", c.Ledger.Backend)
	}

	if c.Source.URI != "" && !strings.HasPrefix(c.Source.URI, "file://") {
		u, err := url.Parse(c.Source.URI)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("source.uri must be an http(s) URL or file:// path, got %q", c.Source.URI)
		}
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue.size must be positive, got %d", c.Queue.Size)
	}
	if c.Source.PollInterval <= 0 {
		return fmt.Errorf("source.poll_interval must be positive, got %s", c.Source.PollInterval)
	}
	return nil
}
