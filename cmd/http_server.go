package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/auth"
	authstore "github.com/helmetads/payment-service/internal/auth/postgres"
	"github.com/helmetads/payment-service/internal/core/events"
	"github.com/helmetads/payment-service/internal/mpesa"
	"github.com/helmetads/payment-service/internal/payment"
	paymentstore "github.com/helmetads/payment-service/internal/payment/postgres"
	"github.com/helmetads/payment-service/internal/transport"
	"github.com/helmetads/payment-service/internal/transport/middleware"
	"github.com/helmetads/payment-service/internal/transport/rest"
	"github.com/helmetads/payment-service/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config *internal.Config
	DB     *sqlx.DB
	Router *chi.Mux
	Logger *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"), config.Observability.Logging.Level)
	appLogger := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	// Event bus with notification subscribers. Payments settle via events so
	// campaign activation can hang off the same hook later.
	eventBus := events.NewEventBus(logger.Component("events"))
	registerEventHandlers(eventBus, logger.Component("events"))

	gateway := mpesa.NewClient(mpesa.Config{
		Environment:    config.Mpesa.Environment,
		ConsumerKey:    config.Mpesa.ConsumerKey,
		ConsumerSecret: config.Mpesa.ConsumerSecret,
		ShortCode:      config.Mpesa.ShortCode,
		Passkey:        config.Mpesa.Passkey,
		CallbackURL:    config.Mpesa.CallbackURL,
		HTTPTimeout:    config.Mpesa.HTTPTimeout,
	}, logger.Component("mpesa"))

	paymentRepo := paymentstore.NewPaymentRepository(gormDB)
	paymentService := payment.NewService(paymentRepo, gateway, eventBus, config.Mpesa.AccountPrefix, logger.Component("payment"))

	advertiserRepo := authstore.NewAdvertiserRepository(gormDB)
	authService := auth.NewService(advertiserRepo, config.Security.TokenSigningSecret, config.Security.AccessTokenDuration, logger.Component("auth"))

	baseHandler := transport.NewBaseHandler(appLogger)
	authHandler := auth.NewHandler(baseHandler, authService, advertiserRepo, logger.Component("auth"))
	paymentHandler := payment.NewHandler(baseHandler, paymentService, logger.Component("payment"))
	webhookHandler := payment.NewWebhookHandler(paymentService, logger.Component("webhook"))

	validator, err := middleware.NewOpenAPIValidator("./api/openapi.yml", appLogger)
	if err != nil {
		// contract validation is a guard rail, not a dependency
		appLogger.Warn("openapi validator disabled", "error", err)
		validator = nil
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, db.DB, authHandler, paymentHandler, webhookHandler, validator, appLogger)

	return &Dependencies{
		Config: config,
		Logger: appLogger,
		DB:     db,
		Router: router,
	}, nil
}

// registerEventHandlers attaches the settlement subscribers. For now they
// log; campaign activation consumes the same events once the campaign
// service lands.
func registerEventHandlers(bus *events.EventBus, lg *slog.Logger) {
	bus.Subscribe(events.EventTypePaymentCompleted, func(ctx context.Context, event events.Event) error {
		lg.Info("payment completed",
			"event_id", event.EventID(),
			"payload", event.Payload())
		return nil
	})

	bus.Subscribe(events.EventTypePaymentFailed, func(ctx context.Context, event events.Event) error {
		lg.Warn("payment failed",
			"event_id", event.EventID(),
			"payload", event.Payload())
		return nil
	})
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm layers the ORM over the already-pooled connection. TranslateError
// is required: the repositories detect receipt collisions through
// gorm.ErrDuplicatedKey.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn: db.DB,
	}), &gorm.Config{
		TranslateError: true,
	})
}
