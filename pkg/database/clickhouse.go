package database

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
)

// ClickHouseConn represents a native ClickHouse driver connection,
// used for batch inserts into the append-only history tables.
type ClickHouseConn = driver.Conn

// ClickHouseBatch represents a ClickHouse batch for bulk inserts
type ClickHouseBatch = driver.Batch

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultClickHouseConfig returns default ClickHouse configuration
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Addr:     []string{"127.0.0.1:9000"},
		Database: "default",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// ConnectClickHouse establishes a native connection to ClickHouse
func ConnectClickHouse(cfg ClickHouseConfig, logger logging.Logger) (ClickHouseConn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to connect to ClickHouse")
		return nil, err
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		logger.WithError(err).Error("Failed to ping ClickHouse")
		return nil, err
	}

	logger.WithFields(logging.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("Connected to ClickHouse")

	return conn, nil
}

// MustConnectClickHouse connects to ClickHouse or exits the process
func MustConnectClickHouse(cfg ClickHouseConfig, logger logging.Logger) ClickHouseConn {
	conn, err := ConnectClickHouse(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	return conn
}
