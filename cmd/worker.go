package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helmetads/payment-service/internal/core/events"
	"github.com/helmetads/payment-service/internal/mpesa"
	"github.com/helmetads/payment-service/internal/payment"
	paymentstore "github.com/helmetads/payment-service/internal/payment/postgres"
	"github.com/helmetads/payment-service/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start and manage background workers like the payment reconciler.`,
}

// Reconcile worker command
var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Start the payment reconciliation worker",
	Long:  `Periodically query Daraja for payments stuck in processing and settle them.`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var (
	reconcileMaxWorkers int
	reconcileBatchLimit int
	reconcileInterval   time.Duration
	reconcileMinAge     time.Duration
)

func startReconcileWorker() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(os.Getenv("APP_ENV"), config.Observability.Logging.Level)
	lg := logger.Component("reconciler")

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := initGorm(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize orm: %v\n", err)
		os.Exit(1)
	}

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

	repo := paymentstore.NewPaymentRepository(gormDB)
	service := payment.NewService(repo, gateway, eventBus, config.Mpesa.AccountPrefix, logger.Component("payment"))

	reconcilerConfig := payment.ReconcilerConfig{
		Interval:   getDurationFlag(reconcileInterval, config.Reconciler.Interval),
		MinAge:     getDurationFlag(reconcileMinAge, config.Reconciler.MinAge),
		MaxWorkers: getIntFlag(reconcileMaxWorkers, config.Reconciler.MaxWorkers),
		BatchLimit: getIntFlag(reconcileBatchLimit, config.Reconciler.BatchLimit),
	}

	lg.Info("starting reconcile worker",
		"interval", reconcilerConfig.Interval,
		"min_age", reconcilerConfig.MinAge,
		"max_workers", reconcilerConfig.MaxWorkers,
		"batch_limit", reconcilerConfig.BatchLimit)

	reconciler := payment.NewReconciler(reconcilerConfig, repo, service, lg)
	reconciler.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lg.Info("reconcile worker is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	lg.Info("received signal, shutting down reconcile worker", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		reconciler.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		lg.Info("reconcile worker shutdown complete")
	case <-ctx.Done():
		lg.Warn("shutdown timeout reached, forcing exit")
	}
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().IntVar(&reconcileMaxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&reconcileBatchLimit, "batch-limit", 0, "Stuck payments fetched per sweep (overrides config)")
	reconcileWorkerCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "Sweep interval (overrides config)")
	reconcileWorkerCmd.Flags().DurationVar(&reconcileMinAge, "min-age", 0, "Minimum age before a processing payment is swept (overrides config)")

	workerCmd.AddCommand(reconcileWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
