package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "ROUTESYNC"

	defaultHTTPAddress     = "127.0.0.1:8745"
	defaultDatabasePath    = "routesync.db"
	defaultLogLevel        = "info"
	defaultRemoteTimeout   = 15
	defaultSyncBatchSize   = 20
	defaultSyncIntervalS   = 60
	defaultSyncWorkers     = 4
	defaultRetentionDays   = 7
	defaultTokenTTLMinutes = 12 * 60
	defaultBackoffBaseS    = 30
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	RemoteBaseURL  string
	RemoteAPIKey   string
	RemoteTimeout  time.Duration
	SyncBatchSize  int
	SyncInterval   time.Duration
	SyncWorkers    int
	RetentionAge   time.Duration
	BackoffBase    time.Duration
	SigningSecret  string
	TokenTTL       time.Duration
	RootIdentities []string
	ProbeEnabled   bool
	ProbeInterval  time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout_s", defaultRemoteTimeout)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.interval_s", defaultSyncIntervalS)
	configViper.SetDefault("sync.workers", defaultSyncWorkers)
	configViper.SetDefault("sync.retention_days", defaultRetentionDays)
	configViper.SetDefault("sync.backoff_base_s", defaultBackoffBaseS)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.root_identities", []string{})
	configViper.SetDefault("probe.enabled", true)
	configViper.SetDefault("probe.interval_s", 30)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		RemoteBaseURL:  configViper.GetString("remote.base_url"),
		RemoteAPIKey:   configViper.GetString("remote.api_key"),
		RemoteTimeout:  time.Duration(configViper.GetInt("remote.timeout_s")) * time.Second,
		SyncBatchSize:  configViper.GetInt("sync.batch_size"),
		SyncInterval:   time.Duration(configViper.GetInt("sync.interval_s")) * time.Second,
		SyncWorkers:    configViper.GetInt("sync.workers"),
		RetentionAge:   time.Duration(configViper.GetInt("sync.retention_days")) * 24 * time.Hour,
		BackoffBase:    time.Duration(configViper.GetInt("sync.backoff_base_s")) * time.Second,
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RootIdentities: configViper.GetStringSlice("auth.root_identities"),
		ProbeEnabled:   configViper.GetBool("probe.enabled"),
		ProbeInterval:  time.Duration(configViper.GetInt("probe.interval_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.SyncWorkers <= 0 {
		return fmt.Errorf("sync.workers must be positive")
	}
	return nil
}
