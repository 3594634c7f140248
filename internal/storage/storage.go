package storage

import (
	"context"

	"trend_trading/internal/models"
)

// Store is the persistence capability set the engine depends on. Every
// backend (no-op, JSON file, ClickHouse) satisfies the same contract.
type Store interface {
	Init(ctx context.Context) error
	Backend() string
	Close() error

	UpsertOrder(ctx context.Context, o models.Order) error
	InsertFill(ctx context.Context, f models.Fill) error

	UpsertPosition(ctx context.Context, p models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) ([]models.Position, error)

	UpsertManagedPosition(ctx context.Context, m models.ManagedPosition) error
	DeleteManagedPosition(ctx context.Context, symbol string) error
	LoadManagedPositions(ctx context.Context) ([]models.ManagedPosition, error)

	UpsertDailySnapshot(ctx context.Context, s models.DailySnapshot) error

	UpsertSystemState(ctx context.Context, key, value string) error
	// LoadSystemState reports ok=false when the key was never written.
	LoadSystemState(ctx context.Context, key string) (value string, ok bool, err error)
}

// Noop accepts every write and loads nothing. Used when no durable backend
// is configured.
type Noop struct{}

var _ Store = Noop{}

func (Noop) Init(context.Context) error { return nil }

func (Noop) Backend() string { return "noop" }

func (Noop) Close() error { return nil }

func (Noop) UpsertOrder(context.Context, models.Order) error { return nil }

func (Noop) InsertFill(context.Context, models.Fill) error { return nil }

func (Noop) UpsertPosition(context.Context, models.Position) error { return nil }

func (Noop) DeletePosition(context.Context, string) error { return nil }

func (Noop) LoadPositions(context.Context) ([]models.Position, error) {
	return nil, nil
}

func (Noop) UpsertManagedPosition(context.Context, models.ManagedPosition) error { return nil }

func (Noop) DeleteManagedPosition(context.Context, string) error { return nil }

func (Noop) LoadManagedPositions(context.Context) ([]models.ManagedPosition, error) {
	return nil, nil
}

func (Noop) UpsertDailySnapshot(context.Context, models.DailySnapshot) error { return nil }

func (Noop) UpsertSystemState(context.Context, string, string) error { return nil }

func (Noop) LoadSystemState(context.Context, string) (string, bool, error) {
	return "", false, nil
}
