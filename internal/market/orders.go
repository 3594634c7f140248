package market

import (
	"fmt"
	"time"

	"trend_trading/internal/models"

	"github.com/google/uuid"
)

// PaperExecutor simulates order placement: every signal fills immediately at
// its entry price.
type PaperExecutor struct {
	now func() time.Time
}

var _ Executor = (*PaperExecutor)(nil)

// NewPaperExecutor returns an executor that never touches a broker.
func NewPaperExecutor() *PaperExecutor {
	return &PaperExecutor{now: time.Now}
}

// PlaceSignal fills sig at sig.EntryPrice under a PAPER-<uuid> order id.
func (p *PaperExecutor) PlaceSignal(sig models.Signal) (models.Order, models.Fill, error) {
	if sig.Qty <= 0 {
		return models.Order{}, models.Fill{}, fmt.Errorf("paper order for %s: qty must be positive, got %d", sig.Symbol, sig.Qty)
	}
	ts := p.now().UTC().Format(time.RFC3339)
	id := "PAPER-" + uuid.New().String()
	order := models.Order{
		OrderID:      id,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Qty:          sig.Qty,
		State:        models.OrderFilled,
		AvgFillPrice: sig.EntryPrice,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	fill := models.Fill{
		OrderID: id,
		Symbol:  sig.Symbol,
		Side:    sig.Side,
		Qty:     sig.Qty,
		Price:   sig.EntryPrice,
		Time:    ts,
	}
	return order, fill, nil
}
