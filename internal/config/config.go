package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "NOTEDB"
	defaultServerIdent    = "Gerrit Code Review"
	defaultStorageBackend = BackendSQLite
	defaultSQLitePath     = "notedb.db"
	defaultBadgerPath     = "notedb.badger"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultBatchSize      = 20
	defaultChangesStart   = 1
	defaultAccountsStart  = 1000000
	defaultMaxAttempts    = 10
	defaultInitialBackoff = 20 * time.Millisecond
	defaultMaxUpdates     = 1000
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// AppConfig captures runtime configuration for the admin tool.
type AppConfig struct {
	ServerID          string
	ServerIdentName   string
	ServerIdentEmail  string
	StorageBackend    string
	SQLitePath        string
	BadgerPath        string
	LogLevel          string
	LogFormat         string
	SequenceBatchSize int
	ChangesStart      int
	AccountsStart     int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxUpdates        int
	UpdatesHorizon    time.Duration
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

	configViper.SetDefault("server.ident_name", defaultServerIdent)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("storage.badger_path", defaultBadgerPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("sequence.batch_size", defaultBatchSize)
	configViper.SetDefault("sequence.changes_start", defaultChangesStart)
	configViper.SetDefault("sequence.accounts_start", defaultAccountsStart)
	configViper.SetDefault("sequence.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sequence.initial_backoff", defaultInitialBackoff)
	configViper.SetDefault("updates.max_updates", defaultMaxUpdates)
	configViper.SetDefault("updates.horizon", time.Duration(0))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerID:          configViper.GetString("server.id"),
		ServerIdentName:   configViper.GetString("server.ident_name"),
		ServerIdentEmail:  configViper.GetString("server.ident_email"),
		StorageBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		SQLitePath:        configViper.GetString("storage.sqlite_path"),
		BadgerPath:        configViper.GetString("storage.badger_path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SequenceBatchSize: configViper.GetInt("sequence.batch_size"),
		ChangesStart:      configViper.GetInt("sequence.changes_start"),
		AccountsStart:     configViper.GetInt("sequence.accounts_start"),
		MaxAttempts:       configViper.GetInt("sequence.max_attempts"),
		InitialBackoff:    configViper.GetDuration("sequence.initial_backoff"),
		MaxUpdates:        configViper.GetInt("updates.max_updates"),
		UpdatesHorizon:    configViper.GetDuration("updates.horizon"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerID) == "" {
		return fmt.Errorf("server.id is required")
	}
	if strings.TrimSpace(c.ServerIdentEmail) == "" {
		return fmt.Errorf("server.ident_email is required")
	}
	switch c.StorageBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path is required")
		}
	case BackendBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("storage.badger_path is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of %s, %s, %s", c.StorageBackend, BackendSQLite, BackendBadger, BackendMemory)
	}
	if c.SequenceBatchSize <= 0 {
		return fmt.Errorf("sequence.batch_size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("sequence.max_attempts must be positive")
	}
	if c.MaxUpdates < 0 {
		return fmt.Errorf("updates.max_updates must not be negative")
	}
	return nil
}
