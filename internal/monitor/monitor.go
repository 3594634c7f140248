// Package monitor owns the trailing-stop state of open long positions.
//
// A symbol is unmanaged until a BUY fill is tracked, managed while its
// position is open, and dropped when the stop triggers or the position
// disappears. The stop only ever moves up.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trend_trading/internal/market"
	"trend_trading/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Positions is the slice of the position store the monitor reads and writes.
type Positions interface {
	Get(symbol string) (models.Position, bool)
	ApplyFill(ctx context.Context, f models.Fill) (float64, error)
}

// ManagedStore persists managed records.
type ManagedStore interface {
	UpsertManagedPosition(ctx context.Context, m models.ManagedPosition) error
	DeleteManagedPosition(ctx context.Context, symbol string) error
	LoadManagedPositions(ctx context.Context) ([]models.ManagedPosition, error)
}

type Monitor struct {
	positions    Positions
	store        ManagedStore
	quotes       market.QuoteSource
	trailingMult float64
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	managed map[string]*models.ManagedPosition
}

func New(positions Positions, store ManagedStore, quotes market.QuoteSource, trailingMult float64, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		positions:    positions,
		store:        store,
		quotes:       quotes,
		trailingMult: trailingMult,
		logger:       logger,
		now:          time.Now,
		managed:      make(map[string]*models.ManagedPosition),
	}
}

// Hydrate loads persisted managed records into memory.
func (m *Monitor) Hydrate(ctx context.Context) error {
	loaded, err := m.store.LoadManagedPositions(ctx)
	if err != nil {
		return fmt.Errorf("load managed positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range loaded {
		rec := loaded[i]
		m.managed[rec.Symbol] = &rec
	}
	return nil
}

// TrackEntry starts managing a BUY fill with the signal's stop and ATR.
// Any other side is ignored.
func (m *Monitor) TrackEntry(ctx context.Context, f models.Fill, sig models.Signal) error {
	if f.Side != models.SideBuy {
		return nil
	}
	rec := &models.ManagedPosition{
		Symbol:       f.Symbol,
		Qty:          f.Qty,
		ATR14:        sig.ATR14,
		StopPrice:    sig.StopPrice,
		HighestPrice: f.Price,
	}
	m.mu.Lock()
	m.managed[f.Symbol] = rec
	m.mu.Unlock()
	return m.store.UpsertManagedPosition(ctx, *rec)
}

// ReconcileWithPositions drops managed records whose position is gone or
// not long.
func (m *Monitor) ReconcileWithPositions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sym := range m.managed {
		if pos, ok := m.positions.Get(sym); ok && pos.Qty > 0 {
			continue
		}
		if err := m.drop(ctx, sym); err != nil {
			return err
		}
	}
	return nil
}

// drop removes a managed record. Caller holds m.mu.
func (m *Monitor) drop(ctx context.Context, symbol string) error {
	delete(m.managed, symbol)
	if err := m.store.DeleteManagedPosition(ctx, symbol); err != nil {
		return fmt.Errorf("delete managed position %s: %w", symbol, err)
	}
	return nil
}

// EvaluateAndAct ratchets every managed stop against the latest price and
// exits the full position when price <= stop. Missing quotes fall back to the
// position's average price; a failed quote request aborts the cycle.
func (m *Monitor) EvaluateAndAct(ctx context.Context) ([]models.StopOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.managed))
	for sym := range m.managed {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}

	quotes, err := m.quotes.GetQuotes(symbols)
	if err != nil {
		return nil, fmt.Errorf("quotes for managed positions: %w", err)
	}

	var actions []models.StopOut
	for _, sym := range symbols {
		rec := m.managed[sym]
		pos, ok := m.positions.Get(sym)
		if !ok || pos.Qty <= 0 {
			if err := m.drop(ctx, sym); err != nil {
				return actions, err
			}
			continue
		}

		ltp := pos.AvgPrice
		if q, ok := quotes[sym]; ok && q.LastPrice > 0 {
			ltp = q.LastPrice
		}

		// HWM monotonicity: HWM = max(stored HWM, current price)
		if ltp > rec.HighestPrice {
			m.logger.Debug("New high water mark",
				zap.String("symbol", sym),
				zap.Float64("price", ltp),
				zap.Float64("previous", rec.HighestPrice))
			rec.HighestPrice = ltp
		}
		trailing := rec.HighestPrice - rec.ATR14*m.trailingMult
		if trailing > rec.StopPrice {
			rec.StopPrice = trailing
		}
		rec.Qty = pos.Qty
		if err := m.store.UpsertManagedPosition(ctx, *rec); err != nil {
			return actions, fmt.Errorf("upsert managed position %s: %w", sym, err)
		}

		m.logger.Info("Stop evaluated",
			zap.String("symbol", sym),
			zap.Float64("ltp", ltp),
			zap.Float64("stop", rec.StopPrice),
			zap.Float64("hwm", rec.HighestPrice))

		if ltp > rec.StopPrice {
			continue
		}

		exit := models.Fill{
			OrderID: fmt.Sprintf("STOP-%s-%s", sym, uuid.New().String()),
			Symbol:  sym,
			Side:    models.SideSell,
			Qty:     pos.Qty,
			Price:   ltp,
			Time:    m.now().UTC().Format(time.RFC3339),
		}
		pnl, err := m.positions.ApplyFill(ctx, exit)
		if err != nil {
			return actions, fmt.Errorf("apply stop fill %s: %w", sym, err)
		}
		stop := rec.StopPrice
		if err := m.drop(ctx, sym); err != nil {
			return actions, err
		}
		m.logger.Warn("Trailing stop triggered",
			zap.String("symbol", sym),
			zap.Int("qty", exit.Qty),
			zap.Float64("price", ltp),
			zap.Float64("stop", stop),
			zap.Float64("pnl", pnl))
		actions = append(actions, models.StopOut{Symbol: sym, Qty: exit.Qty, Price: ltp, Stop: stop, PnL: pnl})
	}
	return actions, nil
}

// Managed returns a copy of the managed records sorted by symbol.
func (m *Monitor) Managed() []models.ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ManagedPosition, 0, len(m.managed))
	for _, rec := range m.managed {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Forget drops the managed record for symbol, if any.
func (m *Monitor) Forget(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.managed[symbol]; !ok {
		return nil
	}
	return m.drop(ctx, symbol)
}
