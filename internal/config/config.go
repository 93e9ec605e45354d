package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "BALLOTLEDGER"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabasePath   = "ballotledger.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultIssuer         = "tauth"
	defaultAdminRole      = "admin"
	defaultVoterRoles     = "resident,board"
	defaultMaxAttempts    = 5
	defaultBaseBackoff    = 10 * time.Millisecond
	defaultLockTimeout    = 2 * time.Second
	defaultLookupFloor    = 25 * time.Millisecond
	defaultReceiptRate    = 2.0
	defaultReceiptBurst   = 10

	// DriverSQLite selects the embedded pure-Go SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects PostgreSQL through pgx.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	LogLevel        string
	AdminRole       string
	VoterRoles      []string
	BindingEnabled  bool
	AllowUnlinked   bool
	Ledger          LedgerConfig
	Receipts        ReceiptConfig
	AnchorPath      string
}

// LedgerConfig tunes the vote writer.
type LedgerConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	LockTimeout time.Duration
}

// ReceiptConfig tunes the public receipt lookup.
type ReceiptConfig struct {
	LookupFloor   time.Duration
	RatePerSecond float64
	Burst         int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("auth.admin_role", defaultAdminRole)
	configViper.SetDefault("auth.voter_roles", defaultVoterRoles)
	configViper.SetDefault("polls.binding_enabled", true)
	configViper.SetDefault("polls.allow_unlinked_votes", false)
	configViper.SetDefault("ledger.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("ledger.base_backoff", defaultBaseBackoff)
	configViper.SetDefault("ledger.lock_timeout", defaultLockTimeout)
	configViper.SetDefault("receipts.lookup_floor", defaultLookupFloor)
	configViper.SetDefault("receipts.rate_per_second", defaultReceiptRate)
	configViper.SetDefault("receipts.burst", defaultReceiptBurst)
	configViper.SetDefault("anchor.path", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		AdminRole:       strings.TrimSpace(configViper.GetString("auth.admin_role")),
		VoterRoles:      splitList(configViper.GetString("auth.voter_roles")),
		BindingEnabled:  configViper.GetBool("polls.binding_enabled"),
		AllowUnlinked:   configViper.GetBool("polls.allow_unlinked_votes"),
		Ledger: LedgerConfig{
			MaxAttempts: configViper.GetInt("ledger.max_attempts"),
			BaseBackoff: configViper.GetDuration("ledger.base_backoff"),
			LockTimeout: configViper.GetDuration("ledger.lock_timeout"),
		},
		Receipts: ReceiptConfig{
			LookupFloor:   configViper.GetDuration("receipts.lookup_floor"),
			RatePerSecond: configViper.GetFloat64("receipts.rate_per_second"),
			Burst:         configViper.GetInt("receipts.burst"),
		},
		AnchorPath: strings.TrimSpace(configViper.GetString("anchor.path")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.AdminRole == "" {
		return fmt.Errorf("auth.admin_role is required")
	}
	if len(c.VoterRoles) == 0 {
		return fmt.Errorf("auth.voter_roles requires at least one role")
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("ledger.max_attempts must be at least 1")
	}
	if c.Ledger.BaseBackoff <= 0 || c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger.base_backoff and ledger.lock_timeout must be positive")
	}
	if c.Receipts.LookupFloor < 0 {
		return fmt.Errorf("receipts.lookup_floor must not be negative")
	}
	if c.Receipts.RatePerSecond <= 0 || c.Receipts.Burst < 1 {
		return fmt.Errorf("receipts.rate_per_second and receipts.burst must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
