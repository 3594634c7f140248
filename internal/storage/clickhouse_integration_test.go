//go:build integration

package storage

import (
	"context"
	"os"
	"testing"

	"trend_trading/internal/models"
)

func TestIntegration_ClickHouseRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test: TEST_CLICKHOUSE_ADDR not set")
	}
	ctx := context.Background()
	s := NewClickHouseStore(ClickHouseConfig{
		Addr:     addr,
		Database: "trend_trading_test",
		Username: os.Getenv("TEST_CLICKHOUSE_USERNAME"),
		Password: os.Getenv("TEST_CLICKHOUSE_PASSWORD"),
	}, nil)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	if err := s.UpsertPosition(ctx, models.Position{Symbol: "ITEST", Qty: 3, AvgPrice: 10}); err != nil {
		t.Fatalf("UpsertPosition failed: %v", err)
	}
	if err := s.DeletePosition(ctx, "ITEST"); err != nil {
		t.Fatalf("DeletePosition failed: %v", err)
	}
	positions, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions failed: %v", err)
	}
	for _, p := range positions {
		if p.Symbol == "ITEST" {
			t.Errorf("Expected tombstoned ITEST to be hidden, got %+v", p)
		}
	}

	if err := s.UpsertSystemState(ctx, "itest_key", "v1"); err != nil {
		t.Fatalf("UpsertSystemState failed: %v", err)
	}
	if err := s.UpsertSystemState(ctx, "itest_key", "v2"); err != nil {
		t.Fatalf("UpsertSystemState failed: %v", err)
	}
	if v, ok, err := s.LoadSystemState(ctx, "itest_key"); err != nil || !ok || v != "v2" {
		t.Errorf("Expected v2, got %q ok=%v err=%v", v, ok, err)
	}
}
