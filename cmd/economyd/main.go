package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/oreforge/economy/internal/httpapi"
	"github.com/oreforge/economy/internal/store/gormstore"
	"github.com/oreforge/economy/pkg/async"
	"github.com/oreforge/economy/pkg/economy"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagAdminSecret     = "admin-secret"
	flagInitialBalance  = "initial-balance"
	flagTaxRate         = "tax-rate"
	flagMaxReconnects   = "max-reconnect-attempts"
	flagConnectTimeout  = "connect-timeout"
	flagOpTimeout       = "op-timeout"
	flagPoolWorkers     = "pool-workers"
	flagPoolQueue       = "pool-queue"
	flagDBMaxOpen       = "db-max-open"
	flagDBMaxIdle       = "db-max-idle"
	flagBalanceWindow   = "balance-cache-window"
	flagConfigWindow    = "config-cache-window"
	flagAllowedOrigins  = "allowed-origins"
	defaultDatabaseURL  = "sqlite:///tmp/economy.db"
	defaultListenAddr   = ":8090"
	defaultWorkers      = 8
	defaultQueueDepth   = 256
	defaultDBMaxOpen    = 10
	defaultDBMaxIdle    = 5
	defaultTaxRate      = 0.05
	shutdownGracePeriod = 10 * time.Second
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AdminSecret    string
	InitialBalance float64
	TaxRate        float64
	MaxReconnects  int
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	PoolWorkers    int
	PoolQueue      int
	DBMaxOpen      int
	DBMaxIdle      int
	BalanceWindow  time.Duration
	ConfigWindow   time.Duration
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "economyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "economyd",
		Short:         "Game economy ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAdminSecret, "", "HMAC secret for admin bearer tokens")
	cmd.Flags().Float64(flagInitialBalance, economy.DefaultInitialBalance, "initial balance for new accounts")
	cmd.Flags().Float64(flagTaxRate, defaultTaxRate, "transfer tax rate fallback")
	cmd.Flags().Int(flagMaxReconnects, economy.DefaultMaxReconnectAttempts, "automatic reconnect attempt cap")
	cmd.Flags().Duration(flagConnectTimeout, economy.DefaultDialTimeout, "store connect timeout")
	cmd.Flags().Duration(flagOpTimeout, economy.DefaultOperationTimeout, "store operation timeout")
	cmd.Flags().Int(flagPoolWorkers, defaultWorkers, "worker pool size")
	cmd.Flags().Int(flagPoolQueue, defaultQueueDepth, "worker pool queue depth")
	cmd.Flags().Int(flagDBMaxOpen, defaultDBMaxOpen, "database connection pool size")
	cmd.Flags().Int(flagDBMaxIdle, defaultDBMaxIdle, "idle database connections")
	cmd.Flags().Duration(flagBalanceWindow, economy.DefaultBalanceWindow, "balance cache freshness window")
	cmd.Flags().Duration(flagConfigWindow, economy.DefaultConfigWindow, "config cache freshness window")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("ECONOMY")
	viper.AutomaticEnv()

	bindings := []string{
		flagDatabaseURL, flagListenAddr, flagAdminSecret, flagInitialBalance,
		flagTaxRate, flagMaxReconnects, flagConnectTimeout, flagOpTimeout,
		flagPoolWorkers, flagPoolQueue, flagDBMaxOpen, flagDBMaxIdle,
		flagBalanceWindow, flagConfigWindow, flagAllowedOrigins,
	}
	for _, name := range bindings {
		key := strings.ReplaceAll(name, "-", "_")
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AdminSecret = viper.GetString("admin_secret")
	cfg.InitialBalance = viper.GetFloat64("initial_balance")
	cfg.TaxRate = viper.GetFloat64("tax_rate")
	cfg.MaxReconnects = viper.GetInt("max_reconnect_attempts")
	cfg.ConnectTimeout = viper.GetDuration("connect_timeout")
	cfg.OpTimeout = viper.GetDuration("op_timeout")
	cfg.PoolWorkers = viper.GetInt("pool_workers")
	cfg.PoolQueue = viper.GetInt("pool_queue")
	cfg.DBMaxOpen = viper.GetInt("db_max_open")
	cfg.DBMaxIdle = viper.GetInt("db_max_idle")
	cfg.BalanceWindow = viper.GetDuration("balance_cache_window")
	cfg.ConfigWindow = viper.GetDuration("config_cache_window")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.AdminSecret == "" {
		return fmt.Errorf("admin secret is required")
	}
	if cfg.InitialBalance < 0 {
		return fmt.Errorf("initial balance must not be negative")
	}
	if cfg.TaxRate < 0 {
		return fmt.Errorf("tax rate must not be negative")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	pool := async.NewPool(cfg.PoolWorkers, cfg.PoolQueue)
	defer pool.Close()

	dialer := &gormDialer{
		dsn:     cfg.DatabaseURL,
		maxOpen: cfg.DBMaxOpen,
		maxIdle: cfg.DBMaxIdle,
	}
	connector, err := economy.NewConnector(dialer, logger,
		economy.WithMaxReconnectAttempts(cfg.MaxReconnects),
		economy.WithDialTimeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return fmt.Errorf("connector init: %w", err)
	}
	defer connector.Disconnect()
	// A failed initial connect is tolerated; backoff and per-operation
	// retries take over from here.
	connector.Connect(ctx)

	configStore, err := economy.NewConfigStore(connector, pool, logger,
		economy.WithConfigWindow(cfg.ConfigWindow),
	)
	if err != nil {
		return fmt.Errorf("config store init: %w", err)
	}
	auditTrail, err := economy.NewAuditTrail(connector, pool, logger)
	if err != nil {
		return fmt.Errorf("audit trail init: %w", err)
	}
	cache := economy.NewBalanceCache(cfg.BalanceWindow, time.Now)
	ledger, err := economy.NewLedger(connector, cache, configStore, auditTrail, pool, logger,
		economy.WithInitialBalance(cfg.InitialBalance),
		economy.WithOperationTimeout(cfg.OpTimeout),
		economy.WithOperationLogger(economy.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	apiServer := httpapi.New(ledger, configStore, auditTrail, logger, httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminSecret:    cfg.AdminSecret,
		TaxRate:        cfg.TaxRate,
		InitialBalance: cfg.InitialBalance,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return shutdownErr
		}
		if serveErr := <-errCh; serveErr != nil && serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	}
}

// gormDialer opens a fresh store handle for the connector. Each dial builds
// a new gorm DB so a dropped connection never leaks into the next attempt.
type gormDialer struct {
	dsn     string
	maxOpen int
	maxIdle int
}

func (dialer *gormDialer) Dial(ctx context.Context) (economy.Store, error) {
	driver, sqlitePath, err := resolveDriver(dialer.dsn)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dialer.dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(dialer.maxOpen)
	sqlDB.SetMaxIdleConns(dialer.maxIdle)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if driver == "sqlite" {
		if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.AuditEntry{}, &gormstore.ConfigEntry{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(db), nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "economy.db"
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
