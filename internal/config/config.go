package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "COLLAB"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDatabase    = "collab.db"
	defaultLogLevel    = "info"
	defaultIssuer      = "collab-auth"
	defaultAudience    = "collab-sync"

	defaultHandshakeTimeout    = 10 * time.Second
	defaultIdleEvictionDelay   = 30 * time.Second
	defaultFlushDebounce       = 3 * time.Second
	defaultFlushMaxInterval    = 20 * time.Second
	defaultQuietWindow         = 30 * time.Second
	defaultCacheTTL            = 5 * time.Minute
	defaultCompactionThreshold = 1 << 20
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	DatabasePath  string
	LogLevel      string

	HandshakeTimeout         time.Duration
	IdleEvictionDelay        time.Duration
	FlushDebounce            time.Duration
	FlushMaxInterval         time.Duration
	QuietWindow              time.Duration
	CacheTTL                 time.Duration
	CompactionThresholdBytes int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("sync.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("sync.idle_eviction_delay", defaultIdleEvictionDelay)
	configViper.SetDefault("sync.flush_debounce", defaultFlushDebounce)
	configViper.SetDefault("sync.flush_max_interval", defaultFlushMaxInterval)
	configViper.SetDefault("sync.quiet_window", defaultQuietWindow)
	configViper.SetDefault("sync.compaction_threshold_bytes", defaultCompactionThreshold)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		SigningSecret:            configViper.GetString("auth.signing_secret"),
		TokenIssuer:              configViper.GetString("auth.issuer"),
		TokenAudience:            configViper.GetString("auth.audience"),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		HandshakeTimeout:         configViper.GetDuration("sync.handshake_timeout"),
		IdleEvictionDelay:        configViper.GetDuration("sync.idle_eviction_delay"),
		FlushDebounce:            configViper.GetDuration("sync.flush_debounce"),
		FlushMaxInterval:         configViper.GetDuration("sync.flush_max_interval"),
		QuietWindow:              configViper.GetDuration("sync.quiet_window"),
		CacheTTL:                 configViper.GetDuration("cache.ttl"),
		CompactionThresholdBytes: configViper.GetInt("sync.compaction_threshold_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("sync.handshake_timeout must be positive")
	}
	if c.IdleEvictionDelay <= 0 {
		return fmt.Errorf("sync.idle_eviction_delay must be positive")
	}
	if c.FlushDebounce <= 0 || c.FlushMaxInterval < c.FlushDebounce {
		return fmt.Errorf("sync.flush_max_interval must be at least sync.flush_debounce")
	}
	if c.QuietWindow <= 0 {
		return fmt.Errorf("sync.quiet_window must be positive")
	}
	if c.CompactionThresholdBytes <= 0 {
		return fmt.Errorf("sync.compaction_threshold_bytes must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}
