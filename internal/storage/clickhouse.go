package storage

import (
	"context"
	"fmt"
	"time"

	"trend_trading/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseConfig holds connection settings for ClickHouseStore.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore persists to ReplacingMergeTree tables keyed by natural id.
// Upserts insert a newer version; deletes insert a tombstone (is_deleted=1)
// and reads use FINAL to collapse to the latest version.
type ClickHouseStore struct {
	cfg    ClickHouseConfig
	conn   driver.Conn
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*ClickHouseStore)(nil)

func NewClickHouseStore(cfg ClickHouseConfig, logger *zap.Logger) *ClickHouseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseStore{cfg: cfg, logger: logger, now: time.Now}
}

func (s *ClickHouseStore) Backend() string { return "clickhouse" }

func (s *ClickHouseStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Init connects, pings and ensures the database and tables exist.
func (s *ClickHouseStore) Init(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{s.cfg.Addr},
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	s.conn = conn
	return s.ensureSchema(ctx)
}

var tableDDL = map[string]string{
	"orders": `order_id String, symbol String, side LowCardinality(String), qty Int64,
		state LowCardinality(String), avg_fill_price Float64, created_at String, updated_at String`,
	"fills": `order_id String, symbol String, side LowCardinality(String), qty Int64,
		price Float64, fill_time String`,
	"positions":         `symbol String, qty Int64, avg_price Float64`,
	"managed_positions": `symbol String, qty Int64, atr14 Float64, stop_price Float64, highest_price Float64`,
	"daily_snapshots": `trade_date String, equity Float64, realized_pnl Float64, unrealized_pnl Float64,
		open_positions Int64, note String`,
	"system_state": `key String, value String`,
}

var tableKey = map[string]string{
	"orders":            "order_id",
	"fills":             "(order_id, fill_time)",
	"positions":         "symbol",
	"managed_positions": "symbol",
	"daily_snapshots":   "trade_date",
	"system_state":      "key",
}

func (s *ClickHouseStore) ensureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.cfg.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	for table, cols := range tableDDL {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.%s (
				%s,
				is_deleted UInt8,
				version UInt64
			)
			ENGINE = ReplacingMergeTree(version)
			ORDER BY %s`, s.cfg.Database, table, cols, tableKey[table])
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	s.logger.Info("ClickHouse schema ready", zap.String("database", s.cfg.Database), zap.Int("tables", len(tableDDL)))
	return nil
}

// insert appends one row; trailing is_deleted and version columns are added here.
func (s *ClickHouseStore) insert(ctx context.Context, table string, deleted bool, values ...any) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s", s.cfg.Database, table))
	if err != nil {
		return fmt.Errorf("prepare %s: %w", table, err)
	}
	var flag uint8
	if deleted {
		flag = 1
	}
	values = append(values, flag, uint64(s.now().UnixNano()))
	if err := batch.Append(values...); err != nil {
		return fmt.Errorf("append %s: %w", table, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s: %w", table, err)
	}
	if deleted {
		s.logger.Debug("Tombstone written", zap.String("table", table), zap.Any("key", values[0]))
	}
	return nil
}

func (s *ClickHouseStore) UpsertOrder(ctx context.Context, o models.Order) error {
	return s.insert(ctx, "orders", false, o.OrderID, o.Symbol, string(o.Side), int64(o.Qty),
		string(o.State), o.AvgFillPrice, o.CreatedAt, o.UpdatedAt)
}

func (s *ClickHouseStore) InsertFill(ctx context.Context, f models.Fill) error {
	return s.insert(ctx, "fills", false, f.OrderID, f.Symbol, string(f.Side), int64(f.Qty), f.Price, f.Time)
}

func (s *ClickHouseStore) UpsertPosition(ctx context.Context, p models.Position) error {
	return s.insert(ctx, "positions", false, p.Symbol, int64(p.Qty), p.AvgPrice)
}

func (s *ClickHouseStore) DeletePosition(ctx context.Context, symbol string) error {
	return s.insert(ctx, "positions", true, symbol, int64(0), 0.0)
}

func (s *ClickHouseStore) LoadPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		"SELECT symbol, qty, avg_price FROM %s.positions FINAL WHERE is_deleted = 0 ORDER BY symbol", s.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var (
			p   models.Position
			qty int64
		)
		if err := rows.Scan(&p.Symbol, &qty, &p.AvgPrice); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Qty = int(qty)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) UpsertManagedPosition(ctx context.Context, m models.ManagedPosition) error {
	return s.insert(ctx, "managed_positions", false, m.Symbol, int64(m.Qty), m.ATR14, m.StopPrice, m.HighestPrice)
}

func (s *ClickHouseStore) DeleteManagedPosition(ctx context.Context, symbol string) error {
	return s.insert(ctx, "managed_positions", true, symbol, int64(0), 0.0, 0.0, 0.0)
}

func (s *ClickHouseStore) LoadManagedPositions(ctx context.Context) ([]models.ManagedPosition, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		"SELECT symbol, qty, atr14, stop_price, highest_price FROM %s.managed_positions FINAL WHERE is_deleted = 0 ORDER BY symbol",
		s.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("load managed positions: %w", err)
	}
	defer rows.Close()

	var out []models.ManagedPosition
	for rows.Next() {
		var (
			m   models.ManagedPosition
			qty int64
		)
		if err := rows.Scan(&m.Symbol, &qty, &m.ATR14, &m.StopPrice, &m.HighestPrice); err != nil {
			return nil, fmt.Errorf("scan managed position: %w", err)
		}
		m.Qty = int(qty)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) UpsertDailySnapshot(ctx context.Context, snap models.DailySnapshot) error {
	return s.insert(ctx, "daily_snapshots", false, snap.TradeDate, snap.Equity, snap.RealizedPnL,
		snap.UnrealizedPnL, int64(snap.OpenPositions), snap.Note)
}

func (s *ClickHouseStore) UpsertSystemState(ctx context.Context, key, value string) error {
	return s.insert(ctx, "system_state", false, key, value)
}

func (s *ClickHouseStore) LoadSystemState(ctx context.Context, key string) (string, bool, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		"SELECT value FROM %s.system_state FINAL WHERE key = ? AND is_deleted = 0", s.cfg.Database), key)
	if err != nil {
		return "", false, fmt.Errorf("load system state %s: %w", key, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var v string
	if err := rows.Scan(&v); err != nil {
		return "", false, fmt.Errorf("scan system state %s: %w", key, err)
	}
	return v, true, nil
}
