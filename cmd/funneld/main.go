package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/gateway"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/httpserver"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/oplog"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/sms"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/store/gormstore"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/store/memstore"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/store/pgstore"
	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagGatewayKeyID   = "gateway-key-id"
	flagGatewaySecret  = "gateway-key-secret"
	flagSMSAccountSID  = "sms-account-sid"
	flagSMSAuthToken   = "sms-auth-token"
	flagSMSFromNumber  = "sms-from-number"
	flagHoldDuration   = "hold-duration"
	flagSweepInterval  = "sweep-interval"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyGatewayKeyID   = "gateway_key_id"
	configKeyGatewaySecret  = "gateway_key_secret"
	configKeySMSAccountSID  = "sms_account_sid"
	configKeySMSAuthToken   = "sms_auth_token"
	configKeySMSFromNumber  = "sms_from_number"
	configKeyHoldDuration   = "hold_duration"
	configKeySweepInterval  = "sweep_interval"

	defaultDatabaseURL   = "sqlite:///tmp/funnel.db"
	defaultListenAddr    = ":8080"
	defaultHoldDuration  = time.Hour
	defaultSweepInterval = time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins []string
	GatewayKeyID   string
	GatewaySecret  string
	SMSAccountSID  string
	SMSAuthToken   string
	SMSFromNumber  string
	HoldDuration   time.Duration
	SweepInterval  time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "funneld: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "funneld",
		Short:         "Creator onboarding funnel API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres://, sqlite:// or memory://)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagGatewayKeyID, "", "payment gateway key id")
	cmd.Flags().String(flagGatewaySecret, "", "payment gateway key secret")
	cmd.Flags().String(flagSMSAccountSID, "", "SMS provider account SID")
	cmd.Flags().String(flagSMSAuthToken, "", "SMS provider auth token")
	cmd.Flags().String(flagSMSFromNumber, "", "SMS sender number")
	cmd.Flags().Duration(flagHoldDuration, defaultHoldDuration, "how long a reserved number is held")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "how often expired holds are released")

	cmd.AddCommand(newSeedInvitesCommand(cfg))

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "HTTP_LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyGatewayKeyID:   "RAZORPAY_KEY_ID",
		configKeyGatewaySecret:  "RAZORPAY_KEY_SECRET",
		configKeySMSAccountSID:  "TWILIO_ACCOUNT_SID",
		configKeySMSAuthToken:   "TWILIO_AUTH_TOKEN",
		configKeySMSFromNumber:  "TWILIO_FROM_NUMBER",
		configKeyHoldDuration:   "HOLD_DURATION",
		configKeySweepInterval:  "SWEEP_INTERVAL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagNames := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyGatewayKeyID:   flagGatewayKeyID,
		configKeyGatewaySecret:  flagGatewaySecret,
		configKeySMSAccountSID:  flagSMSAccountSID,
		configKeySMSAuthToken:   flagSMSAuthToken,
		configKeySMSFromNumber:  flagSMSFromNumber,
		configKeyHoldDuration:   flagHoldDuration,
		configKeySweepInterval:  flagSweepInterval,
	}
	for key, name := range flagNames {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.Root().PersistentFlags().Lookup(name)
		}
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.GatewayKeyID = viper.GetString(configKeyGatewayKeyID)
	cfg.GatewaySecret = viper.GetString(configKeyGatewaySecret)
	cfg.SMSAccountSID = viper.GetString(configKeySMSAccountSID)
	cfg.SMSAuthToken = viper.GetString(configKeySMSAuthToken)
	cfg.SMSFromNumber = viper.GetString(configKeySMSFromNumber)
	cfg.HoldDuration = viper.GetDuration(configKeyHoldDuration)
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = defaultHoldDuration
	}
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	options := []funnel.ServiceOption{
		funnel.WithOperationLogger(oplog.New(logger)),
		funnel.WithHoldDuration(cfg.HoldDuration),
	}
	if cfg.GatewayKeyID != "" && cfg.GatewaySecret != "" {
		options = append(options, funnel.WithPaymentGateway(
			gateway.New(cfg.GatewayKeyID, cfg.GatewaySecret, ""),
			cfg.GatewaySecret,
		))
	}
	if cfg.SMSAccountSID != "" && cfg.SMSAuthToken != "" && cfg.SMSFromNumber != "" {
		options = append(options, funnel.WithCodeSender(
			sms.New(cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFromNumber, ""),
		))
	}

	service, err := funnel.NewService(store, func() time.Time { return time.Now().UTC() }, options...)
	if err != nil {
		return fmt.Errorf("funnel service init: %w", err)
	}

	sweeper := funnel.NewSweeper(service, cfg.SweepInterval, oplog.New(logger))
	go sweeper.Run(ctx)

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		GatewayKeyID:   cfg.GatewayKeyID,
	}, service, logger)
}

func newSeedInvitesCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		count    int
		maxUses  int64
		validFor time.Duration
		issuedBy string
	)
	cmd := &cobra.Command{
		Use:   "seed-invites",
		Short: "Mint a batch of invite codes and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("store open: %w", err)
			}
			defer cleanup()

			service, err := funnel.NewService(store, func() time.Time { return time.Now().UTC() })
			if err != nil {
				return fmt.Errorf("funnel service init: %w", err)
			}

			expiresAt := time.Now().UTC().Add(validFor)
			for i := 0; i < count; i++ {
				token, err := service.IssueInvite(ctx, maxUses, expiresAt, issuedBy)
				if err != nil {
					return fmt.Errorf("issue invite %d of %d: %w", i+1, count, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), token.String())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 5000, "number of codes to mint")
	cmd.Flags().Int64Var(&maxUses, "uses", 1, "uses per code")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "code validity window")
	cmd.Flags().StringVar(&issuedBy, "issued-by", "seed", "issuer tag stored on each code")
	return cmd
}

func openStore(ctx context.Context, dsn string) (funnel.Store, func() error, error) {
	if strings.HasPrefix(dsn, "memory://") {
		return memstore.New(), func() error { return nil }, nil
	}

	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	if driver == "postgres" {
		return openPostgresStore(ctx, dsn)
	}

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	if err := gormstore.Migrate(db); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

// openPostgresStore migrates the schema through gorm, then serves requests on
// a raw pgx pool.
func openPostgresStore(ctx context.Context, dsn string) (funnel.Store, func() error, error) {
	migrator, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	migrateErr := gormstore.Migrate(migrator)
	if sqlDB, dbErr := migrator.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	if migrateErr != nil {
		return nil, nil, migrateErr
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		pool.Close()
		return nil
	}
	return pgstore.New(pool), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "funnel.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
