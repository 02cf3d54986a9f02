package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/alerts"
	"github.com/theobattaglia1/tiktok-trending-data/internal/classify"
	"github.com/theobattaglia1/tiktok-trending-data/internal/engine"
	"github.com/theobattaglia1/tiktok-trending-data/internal/store"
	"github.com/theobattaglia1/tiktok-trending-data/internal/sweep"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/config"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/database"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/kafka"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/monitoring"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/server"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("spyglass")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Spyglass (Trend Analytics & Classification Engine)")

	databaseURL := config.RequireEnv("DATABASE_URL")
	clickhouseHost := config.RequireEnv("CLICKHOUSE_HOST")
	clickhouseDB := config.RequireEnv("CLICKHOUSE_DB")
	clickhouseUser := config.RequireEnv("CLICKHOUSE_USER")
	clickhousePassword := config.RequireEnv("CLICKHOUSE_PASSWORD")
	brokersEnv := config.RequireEnv("KAFKA_BROKERS")

	// Connect to Postgres
	pgConfig := database.DefaultConfig()
	pgConfig.URL = databaseURL
	pg := database.MustConnect(pgConfig, logger)
	defer pg.Close()

	// Connect to ClickHouse
	chConfig := database.DefaultClickHouseConfig()
	chConfig.Addr = []string{clickhouseHost}
	chConfig.Database = clickhouseDB
	chConfig.Username = clickhouseUser
	chConfig.Password = clickhousePassword
	clickhouse := database.MustConnectClickHouse(chConfig, logger)
	defer clickhouse.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("spyglass", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("spyglass", version.Version, version.GitCommit)
	metrics := engine.NewMetrics(metricsCollector)

	// Setup Kafka
	brokers := strings.Split(brokersEnv, ",")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "spyglass")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "spyglass")
	snapshotTopic := config.GetEnv("SNAPSHOT_KAFKA_TOPIC", "discovery_snapshots")
	alertTopic := config.GetEnv("ALERT_KAFKA_TOPIC", "trend_alerts")

	producer, err := kafka.NewProducer(brokers, alertTopic, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	// Build the engine
	trendStore := store.NewTrendStore(pg, clickhouse, logger)
	eng := engine.New(trendStore, producer, logger, metrics, engineConfig())

	handler := eng.MessageHandler(producer, kafka.DLQTopicFor(snapshotTopic))
	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, snapshotTopic, handler, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}

	// Health checks
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(pg))
	healthChecker.AddCheck("clickhouse", monitoring.ClickHouseHealthCheck(clickhouse))
	healthChecker.AddCheck("kafka_consumer", monitoring.KafkaHealthCheck(consumer.GetClient()))
	healthChecker.AddCheck("kafka_producer", monitoring.KafkaHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":    databaseURL,
		"CLICKHOUSE_HOST": clickhouseHost,
		"KAFKA_BROKERS":   brokersEnv,
		"KAFKA_GROUP_ID":  groupID,
	}))

	// Start consuming
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()

	// Start the re-evaluation sweep
	sweepInterval := time.Duration(config.GetEnvInt("SWEEP_INTERVAL_MINUTES", 5)) * time.Minute
	sweepLookback := time.Duration(config.GetEnvInt("SWEEP_LOOKBACK_HOURS", 24)) * time.Hour
	sweeper := sweep.NewSweeper(eng, trendStore, logger, sweepInterval, sweepLookback)
	sweeper.Start()

	// Health and metrics server
	if config.GetEnvBool("ENABLE_HEALTH_ENDPOINT", true) {
		go startHealthServer(healthChecker, metricsCollector, logger)
	}

	logger.Info("Spyglass started - consuming discovery snapshots from Kafka")

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down Spyglass...")

	// Cleanup
	cancel()
	sweeper.Stop()
	if consumer != nil {
		consumer.Close()
	}

	logger.Info("Spyglass stopped")
}

// engineConfig builds the engine tunables from the environment.
func engineConfig() engine.Config {
	stage := classify.DefaultThresholds()
	stage.EarlyTractionViews = config.GetEnvInt64("STAGE_EARLY_TRACTION_VIEWS", stage.EarlyTractionViews)
	stage.SteadyViews = config.GetEnvInt64("STAGE_STEADY_VIEWS", stage.SteadyViews)
	stage.MassiveViews = config.GetEnvInt64("STAGE_MASSIVE_VIEWS", stage.MassiveViews)
	stage.HighGrowth = config.GetEnvFloat("STAGE_HIGH_GROWTH_RATE", stage.HighGrowth)
	stage.ModerateGrowth = config.GetEnvFloat("STAGE_MODERATE_GROWTH_RATE", stage.ModerateGrowth)

	alert := alerts.DefaultThresholds()
	alert.HighRate1h = config.GetEnvFloat("ALERT_HIGH_RATE_1H", alert.HighRate1h)
	alert.MediumRate6h = config.GetEnvFloat("ALERT_MEDIUM_RATE_6H", alert.MediumRate6h)
	alert.LowRate24h = config.GetEnvFloat("ALERT_LOW_RATE_24H", alert.LowRate24h)
	alert.Cooldown = time.Duration(config.GetEnvInt("ALERT_COOLDOWN_MINUTES", 60)) * time.Minute

	return engine.Config{
		Workers: config.GetEnvInt("ENGINE_WORKERS", 4),
		Stage:   stage,
		Alert:   alert,
	}
}

func startHealthServer(healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector, logger logging.Logger) {
	router := server.SetupServiceRouter(logger, "spyglass", healthChecker, metricsCollector)

	serverConfig := server.DefaultConfig("spyglass", "18080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Error("Health server error")
	}
}
