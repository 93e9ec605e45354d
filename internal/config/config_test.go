package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %s %s", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.Ledger.MaxAttempts != 5 || cfg.Ledger.LockTimeout != 2*time.Second {
		t.Fatalf("unexpected ledger defaults: %+v", cfg.Ledger)
	}
	if cfg.Receipts.LookupFloor != 25*time.Millisecond || cfg.Receipts.Burst != 10 {
		t.Fatalf("unexpected receipt defaults: %+v", cfg.Receipts)
	}
	if strings.Join(cfg.VoterRoles, ",") != "resident,board" {
		t.Fatalf("unexpected voter roles: %v", cfg.VoterRoles)
	}
	if !cfg.BindingEnabled {
		t.Fatalf("expected binding polls enabled by default")
	}
	if cfg.AllowUnlinked {
		t.Fatalf("expected unlinked votes on identified polls to be refused by default")
	}
	if cfg.AnchorPath != "" {
		t.Fatalf("expected anchoring disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BALLOTLEDGER_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("BALLOTLEDGER_LEDGER_LOCK_TIMEOUT", "750ms")
	t.Setenv("BALLOTLEDGER_AUTH_VOTER_ROLES", " owner , ,tenant ")
	t.Setenv("BALLOTLEDGER_POLLS_BINDING_ENABLED", "false")
	t.Setenv("BALLOTLEDGER_POLLS_ALLOW_UNLINKED_VOTES", "true")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.TAuthSigningKey)
	}
	if cfg.Ledger.LockTimeout != 750*time.Millisecond {
		t.Fatalf("expected lock timeout from env, got %s", cfg.Ledger.LockTimeout)
	}
	if strings.Join(cfg.VoterRoles, ",") != "owner,tenant" {
		t.Fatalf("unexpected voter roles: %v", cfg.VoterRoles)
	}
	if cfg.BindingEnabled {
		t.Fatalf("expected binding polls disabled from env")
	}
	if !cfg.AllowUnlinked {
		t.Fatalf("expected unlinked votes allowed from env")
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name   string
		values map[string]any
		want   string
	}{
		{name: "missing secret", values: map[string]any{}, want: "tauth.signing_secret"},
		{name: "unknown driver", values: map[string]any{"database.driver": "mysql"}, want: "not supported"},
		{name: "postgres without dsn", values: map[string]any{"database.driver": "postgres"}, want: "database.dsn"},
		{name: "no voter roles", values: map[string]any{"auth.voter_roles": " , "}, want: "auth.voter_roles"},
		{name: "zero attempts", values: map[string]any{"ledger.max_attempts": 0}, want: "ledger.max_attempts"},
		{name: "zero burst", values: map[string]any{"receipts.burst": 0}, want: "receipts.burst"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("tauth.signing_secret", "secret")
			}
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error containing %q, got %v", testCase.want, err)
			}
		})
	}
}
