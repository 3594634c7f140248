// Package portfolio is the single source of truth for what is currently held.
// Order placement and the trailing-stop monitor both mutate positions through
// Book.ApplyFill.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trend_trading/internal/models"
	"trend_trading/internal/storage"

	"go.uber.org/zap"
)

// Book holds open positions, account equity and realized PnL.
type Book struct {
	store  storage.Store
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[string]models.Position
	equity    float64
	realized  float64
}

func NewBook(store storage.Store, equity float64, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		store:     store,
		logger:    logger,
		positions: make(map[string]models.Position),
		equity:    equity,
	}
}

// Hydrate replaces the in-memory positions with the persisted ones.
func (b *Book) Hydrate(ctx context.Context) error {
	loaded, err := b.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]models.Position, len(loaded))
	for _, p := range loaded {
		if p.Qty != 0 {
			b.positions[p.Symbol] = p
		}
	}
	return nil
}

// ApplyFill persists the fill and folds it into the position: same-direction
// fills re-average the price, opposite fills reduce it and realize PnL, and a
// position reaching zero is deleted. Returns the PnL realized by this fill.
func (b *Book) ApplyFill(ctx context.Context, f models.Fill) (float64, error) {
	if err := b.store.InsertFill(ctx, f); err != nil {
		return 0, fmt.Errorf("insert fill %s: %w", f.OrderID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	signed := f.Qty
	if f.Side == models.SideSell {
		signed = -f.Qty
	}
	pos := b.positions[f.Symbol]
	pos.Symbol = f.Symbol
	newQty := pos.Qty + signed

	realized := 0.0
	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, signed):
		total := float64(pos.Qty)*pos.AvgPrice + float64(signed)*f.Price
		if newQty != 0 {
			pos.AvgPrice = total / float64(newQty)
		}
	default:
		closed := min(abs(signed), abs(pos.Qty))
		direction := 1.0
		if pos.Qty < 0 {
			direction = -1.0
		}
		realized = (f.Price - pos.AvgPrice) * float64(closed) * direction
		if newQty != 0 && !sameSign(newQty, pos.Qty) {
			// Flipped through zero: the remainder opens at the fill price.
			pos.AvgPrice = f.Price
			b.logger.Info("Position flipped",
				zap.String("symbol", f.Symbol),
				zap.Int("from_qty", pos.Qty),
				zap.Int("to_qty", newQty),
				zap.Float64("avg_price", f.Price))
		}
	}
	pos.Qty = newQty
	b.realized += realized

	if pos.Qty == 0 {
		delete(b.positions, f.Symbol)
		b.logger.Info("Position closed", zap.String("symbol", f.Symbol), zap.Float64("realized_pnl", realized))
		if err := b.store.DeletePosition(ctx, f.Symbol); err != nil {
			return realized, fmt.Errorf("delete position %s: %w", f.Symbol, err)
		}
		return realized, nil
	}
	b.positions[f.Symbol] = pos
	if err := b.store.UpsertPosition(ctx, pos); err != nil {
		return realized, fmt.Errorf("upsert position %s: %w", f.Symbol, err)
	}
	return realized, nil
}

// Remove deletes a position without a fill (end-of-day liquidation).
func (b *Book) Remove(ctx context.Context, symbol string) error {
	b.mu.Lock()
	pos, held := b.positions[symbol]
	delete(b.positions, symbol)
	b.mu.Unlock()
	if held {
		b.logger.Info("Position removed", zap.String("symbol", symbol), zap.Int("qty", pos.Qty))
	}
	return b.store.DeletePosition(ctx, symbol)
}

// Get returns the position for symbol.
func (b *Book) Get(symbol string) (models.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	return p, ok
}

// Qty returns the held quantity of symbol, 0 when flat.
func (b *Book) Qty(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positions[symbol].Qty
}

// Count is the number of open positions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Positions returns a copy of all positions sorted by symbol.
func (b *Book) Positions() []models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *Book) Equity() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equity
}

func (b *Book) SetEquity(v float64) {
	b.mu.Lock()
	b.equity = v
	b.mu.Unlock()
}

func (b *Book) RealizedPnL() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realized
}

// UnrealizedPnL marks every position at the given prices; symbols without a
// price are marked at their average (zero PnL).
func (b *Book) UnrealizedPnL(prices map[string]float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for sym, p := range b.positions {
		px, ok := prices[sym]
		if !ok {
			continue
		}
		total += (px - p.AvgPrice) * float64(p.Qty)
	}
	return total
}

func sameSign(a, b int) bool {
	return (a > 0) == (b > 0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
