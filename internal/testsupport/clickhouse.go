package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tickerpulse/internal/adapters/clickhouse"
	"tickerpulse/internal/adapters/config"
)

// NewClickHouseClient connects to ClickHouse for an integration test and closes
// the connection on cleanup.
func NewClickHouseClient(t *testing.T, cfg config.ClickHouseConfig) *clickhouse.Client {
	t.Helper()

	client, err := clickhouse.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// UniqueTable returns a table name unique to this test run and drops it on cleanup
func UniqueTable(t *testing.T, client *clickhouse.Client, prefix string) string {
	t.Helper()

	table := fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	t.Cleanup(func() {
		_ = client.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
	})
	return table
}
