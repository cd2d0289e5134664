package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"mabletask/telemetry/config"
	"mabletask/telemetry/logging"
)

type ClickHouseClient struct {
	Conn clickhouse.Conn
}

func NewClickHouseDB(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("CLICKHOUSE_HOST or CLICKHOUSE_DB_NAME is not set")
	}

	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.NativePort)},
		Auth: clickhouse.Auth{
			Database: cfg.DBName,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "mable-telemetry", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logging.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("connected to ClickHouse")
	return &ClickHouseClient{Conn: conn}, nil
}

// MirrorSchema is the ClickHouse copy of behavior_events.
const MirrorSchema = `
	CREATE TABLE IF NOT EXISTS behavior_events (
		event_id    UUID,
		device_id   String,
		user_id     Nullable(String),
		event_type  LowCardinality(String),
		screen_name String,
		event_data  String,
		session_id  String,
		ip_address  String,
		user_agent  String,
		timestamp   DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	ORDER BY (device_id, timestamp, event_id)
`

func (c *ClickHouseClient) Migrate(ctx context.Context) error {
	if err := c.Conn.Exec(ctx, MirrorSchema); err != nil {
		return fmt.Errorf("create ClickHouse behavior_events: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() {
	if c.Conn != nil {
		c.Conn.Close()
		logging.Info().Msg("ClickHouse connection closed")
	}
}
