package market

import (
	"errors"

	"trend_trading/internal/models"
)

// ErrExternalService wraps every failure coming back from a broker or data
// collaborator. Callers match it with errors.Is; the pipeline does not retry.
var ErrExternalService = errors.New("external service error")

// BarSource lists instruments and serves daily history.
// Interfaces define *behavior*: the screener and backtest only need bars, so
// an offline CSV feed, the Alpaca adapter, or a test fake all fit.
type BarSource interface {
	ListInstruments(exchange string) (map[string]models.Instrument, error)
	GetDayBars(token, from, to string) ([]models.MarketBar, error)
}

// QuoteSource resolves last-traded prices.
type QuoteSource interface {
	GetQuotes(symbols []string) (map[string]models.Quote, error)
	GetLTP(symbol string) (float64, error)
}

// AccountSource reports tradable equity.
type AccountSource interface {
	GetEquity() (float64, error)
}

// Executor turns a signal into an order and its fill. It is synchronous and
// fails loudly on transport or auth errors.
type Executor interface {
	PlaceSignal(sig models.Signal) (models.Order, models.Fill, error)
}

// Provider is everything the live pipeline needs from a broker.
type Provider interface {
	BarSource
	QuoteSource
	AccountSource
}
