package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "ORANGETASK"

	defaultDatabasePath     = "orangetask.db"
	defaultLockDir          = ".orangetask-locks"
	defaultLogLevel         = "info"
	defaultAuthorityTimeout = 15 * time.Second

	defaultPullInterval    = 30 * time.Second
	defaultPushInterval    = 8 * time.Second
	defaultJournalInterval = 30 * time.Second
	defaultStatusTick      = 250 * time.Millisecond
	defaultFlushWindow     = 500 * time.Millisecond
	defaultMaxPushAttempts = 10

	defaultHTTPAddress = "0.0.0.0:8080"
	defaultTokenTTL    = 12 * time.Hour
)

// EngineConfig captures runtime configuration for the local sync daemon.
type EngineConfig struct {
	DatabasePath     string
	LockDir          string
	LogLevel         string
	UserID           string
	AuthorityBaseURL string
	AuthorityToken   string
	AuthorityTimeout time.Duration
	PullInterval     time.Duration
	PushInterval     time.Duration
	JournalInterval  time.Duration
	StatusTick       time.Duration
	FlushWindow      time.Duration
	MaxPushAttempts  int
}

// AuthorityConfig captures runtime configuration for the reference authority server.
type AuthorityConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("lock.dir", defaultLockDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("authority.timeout", defaultAuthorityTimeout)
	configViper.SetDefault("sync.pull_interval", defaultPullInterval)
	configViper.SetDefault("sync.push_interval", defaultPushInterval)
	configViper.SetDefault("sync.journal_interval", defaultJournalInterval)
	configViper.SetDefault("sync.status_tick", defaultStatusTick)
	configViper.SetDefault("sync.flush_window", defaultFlushWindow)
	configViper.SetDefault("sync.max_push_attempts", defaultMaxPushAttempts)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("token.ttl", defaultTokenTTL)
}

// LoadEngine parses sync daemon configuration from viper.
func LoadEngine(configViper *viper.Viper) (EngineConfig, error) {
	cfg := EngineConfig{
		DatabasePath:     configViper.GetString("database.path"),
		LockDir:          configViper.GetString("lock.dir"),
		LogLevel:         configViper.GetString("log.level"),
		UserID:           configViper.GetString("sync.user_id"),
		AuthorityBaseURL: configViper.GetString("authority.base_url"),
		AuthorityToken:   configViper.GetString("authority.token"),
		AuthorityTimeout: configViper.GetDuration("authority.timeout"),
		PullInterval:     configViper.GetDuration("sync.pull_interval"),
		PushInterval:     configViper.GetDuration("sync.push_interval"),
		JournalInterval:  configViper.GetDuration("sync.journal_interval"),
		StatusTick:       configViper.GetDuration("sync.status_tick"),
		FlushWindow:      configViper.GetDuration("sync.flush_window"),
		MaxPushAttempts:  configViper.GetInt("sync.max_push_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func (c EngineConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.LockDir) == "" {
		return fmt.Errorf("lock.dir is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("sync.user_id is required")
	}
	if strings.TrimSpace(c.AuthorityBaseURL) == "" {
		return fmt.Errorf("authority.base_url is required")
	}
	if c.MaxPushAttempts < 1 {
		return fmt.Errorf("sync.max_push_attempts must be positive")
	}
	return nil
}

// LoadAuthority parses authority server configuration from viper.
func LoadAuthority(configViper *viper.Viper) (AuthorityConfig, error) {
	cfg := AuthorityConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("token.ttl"),
	}

	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AuthorityConfig{}, fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return AuthorityConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	return cfg, nil
}
