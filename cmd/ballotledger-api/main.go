package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/anchor"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/config"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/database"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/logging"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/server"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string

	errChainBroken = errors.New("vote chain failed verification")
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "ballotledger-api",
		Short: "Tamper-evident community voting ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("anchor-path", "", "Badger directory for external chain head anchoring")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "anchor.path", "anchor-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newVerifyCommand() *cobra.Command {
	var pollID string
	cmd := &cobra.Command{
		Use:          "verify",
		Short:        "Replay a poll's vote chain and print the verification report",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), pollID)
		},
	}
	cmd.Flags().StringVar(&pollID, "poll", "", "Poll id to verify")
	if err := cmd.MarkFlagRequired("poll"); err != nil {
		panic(err)
	}
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:          "token",
		Short:        "Mint a session token for local use without TAuth",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(userID, displayName, roles)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"cookie_name": appConfig.TAuthCookieName,
				"token":       token,
				"expires_at":  expiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried in the session")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name carried in the session")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted to the session (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Session lifetime")
	if err := cmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}
	return cmd
}

func loadRuntime() (config.AppConfig, *zap.Logger, *gorm.DB, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, logger, db, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func runMigrate() error {
	_, logger, db, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer closeDatabase(db)
	logger.Info("migrations applied")
	return nil
}

func runVerify(ctx context.Context, rawPollID string) error {
	appConfig, logger, db, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer closeDatabase(db)

	pollID, err := polls.NewPollID(rawPollID)
	if err != nil {
		return err
	}
	ledgerService, err := newLedgerService(appConfig, db, logger, audit.NewZapSink(logger))
	if err != nil {
		return err
	}
	report, err := ledgerService.VerifyChain(ctx, pollID)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("%w: poll %s has %d broken links", errChainBroken, report.PollID, len(report.BrokenLinks))
	}
	return nil
}

func newLedgerService(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger, sink audit.Sink) (*ledger.Service, error) {
	return ledger.NewService(ledger.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  polls.NewUUIDProvider(),
		Logger:      logger,
		Sink:        sink,
		MaxAttempts: appConfig.Ledger.MaxAttempts,
		BaseBackoff: appConfig.Ledger.BaseBackoff,
		LockTimeout: appConfig.Ledger.LockTimeout,
		LookupFloor: appConfig.Receipts.LookupFloor,
	})
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer closeDatabase(db)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := polls.NewService(polls.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: polls.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := audit.NewDispatcher(logger)
	ledgerService, err := newLedgerService(appConfig, db, logger, audit.MultiSink{audit.NewZapSink(logger), dispatcher})
	if err != nil {
		return err
	}

	var anchorLog *anchor.Log
	if appConfig.AnchorPath != "" {
		anchorLog, err = anchor.Open(appConfig.AnchorPath, logger)
		if err != nil {
			return err
		}
		defer anchorLog.Close() //nolint:errcheck
		events, cleanup := dispatcher.SubscribeAll(signalCtx)
		defer cleanup()
		go anchorLog.Follow(signalCtx, events)
	}

	voters, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		VoterResolver:    voters,
		Catalog:          catalog,
		Ledger:           ledgerService,
		Events:           dispatcher,
		Anchor:           anchorLog,
		Clock:            time.Now,
		Logger:           logger,
		AdminRole:        appConfig.AdminRole,
		VoterRoles:       appConfig.VoterRoles,
		BindingEnabled:   appConfig.BindingEnabled,
		AllowUnlinked:    appConfig.AllowUnlinked,
		ReceiptRate:      rate.Limit(appConfig.Receipts.RatePerSecond),
		ReceiptBurst:     appConfig.Receipts.Burst,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
