package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/api"
	"github.com/ckd-cohort-server/internal/cache"
	"github.com/ckd-cohort-server/internal/config"
	"github.com/ckd-cohort-server/internal/database"
	"github.com/ckd-cohort-server/internal/domain"
	"github.com/ckd-cohort-server/internal/notify"
	"github.com/ckd-cohort-server/internal/repository"
	"github.com/ckd-cohort-server/internal/review"
	"github.com/ckd-cohort-server/internal/service"
	"github.com/ckd-cohort-server/pkg/oracle"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.NewConnection(ctx, configManager.GetDatabaseConfig(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := runMigrations(configManager, logger); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	stores := service.CohortStores{
		Patients:        repository.NewPatientRepository(db.Pool, logger),
		Cohorts:         repository.NewCohortRepository(db.Pool, logger),
		Snapshots:       repository.NewSnapshotRepository(db.Pool, logger),
		Treatments:      repository.NewTreatmentRepository(db.Pool, logger),
		Alerts:          repository.NewAlertRepository(db.Pool, logger),
		Recommendations: repository.NewRecommendationRepository(db.Pool, logger),
		Transitions:     repository.NewTransitionRepository(db.Pool, logger),
	}

	simCfg := configManager.GetSimulationConfig()
	policy, err := service.PolicyForName(simCfg.CyclePolicy)
	if err != nil {
		logger.WithError(err).Fatal("Unknown cycle policy")
	}

	generator := service.NewProgressionGenerator(
		service.EffectRangesFromConfig(simCfg.TreatmentEffects),
		service.DriftFromConfig(simCfg.UACRDrift),
		logger,
	)
	driver := service.NewCohortDriver(stores, policy, simCfg.Workers, logger).
		WithGenerators(generator).
		WithAutoInitiation(simCfg.AutoInitiationRate)

	classifications, err := cache.NewClassificationCache(0)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create classification cache")
	}

	redisClient, err := cache.NewRedisClient(&cfg.Cache)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, state cache runs memory-only")
		redisClient = nil
	}
	states, err := cache.NewStateCache(redisClient, &cfg.Cache, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create state cache")
	}

	reviews, err := newReviewStore(configManager, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open review store")
	}
	defer reviews.Close()

	var oracleClient domain.LabValueOracle
	if cfg.Oracle.BaseURL != "" {
		client, err := oracle.NewClient(cfg.Oracle, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create oracle client")
		}
		oracleClient = client
	}

	server := api.NewServer(api.Dependencies{
		Config:          configManager,
		Stores:          stores,
		Driver:          driver,
		Classifier:      service.NewClassifier(logger),
		Classifications: classifications,
		States:          states,
		Reviews:         reviews,
		Detector:        service.NewTransitionDetector(logger),
		Oracle:          oracleClient,
		Logger:          logger,
	})

	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	hub := server.Hub()
	driver.WithAlertSink(func(alert *domain.Alert, state string) {
		hub.PublishAlert(alert)
		go dispatcher.DispatchAlert(context.Background(), alert, state)
	})

	logger.WithFields(logrus.Fields{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"policy": simCfg.CyclePolicy,
	}).Info("Starting cohort server")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func runMigrations(configManager *config.Manager, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), "migrations", logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up()
}

func newReviewStore(configManager *config.Manager, cfg *domain.Config) (review.Store, error) {
	if cfg.Storage.ReviewBackend == "postgres" {
		return review.NewPostgresStoreFromURL(configManager.GetDatabaseURL())
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, err
	}
	return review.NewSQLiteStore(configManager.ReviewDBPath())
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetOutput(os.Stdout)
	return logger
}
