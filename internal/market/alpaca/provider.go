package alpaca

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"trend_trading/internal/market"
	"trend_trading/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Provider adapts the Alpaca trading and market-data clients to the market
// interfaces. Credentials come from APCA_API_KEY_ID / APCA_API_SECRET_KEY /
// APCA_API_BASE_URL, which the SDK reads on its own.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
	feed        string

	pollInterval time.Duration
	pollAttempts int

	mu          sync.Mutex
	instruments map[string]map[string]models.Instrument
}

var (
	_ market.Provider = (*Provider)(nil)
	_ market.Executor = (*Provider)(nil)
)

// NewProvider returns an Alpaca provider reading bars from feed ("iex" or "sip").
func NewProvider(feed string) *Provider {
	return &Provider{
		mdClient:     marketdata.NewClient(marketdata.ClientOpts{}),
		tradeClient:  alpaca.NewClient(alpaca.ClientOpts{}),
		feed:         feed,
		pollInterval: 500 * time.Millisecond,
		pollAttempts: 20,
		instruments:  make(map[string]map[string]models.Instrument),
	}
}

// --- Market Data ---

// ListInstruments returns active US equities keyed by symbol. Symbols are their
// own tokens. An empty exchange (or "US") returns every listing venue.
func (p *Provider) ListInstruments(exchange string) (map[string]models.Instrument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.instruments[exchange]; ok {
		return cached, nil
	}

	status := "active"
	class := "us_equity"
	assets, err := p.tradeClient.GetAssets(alpaca.GetAssetsRequest{
		Status:     status,
		AssetClass: class,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list assets: %v", market.ErrExternalService, err)
	}

	out := make(map[string]models.Instrument, len(assets))
	for _, a := range assets {
		if !a.Tradable {
			continue
		}
		if exchange != "" && exchange != "US" && a.Exchange != exchange {
			continue
		}
		out[a.Symbol] = models.Instrument{
			Symbol:   a.Symbol,
			Token:    a.Symbol,
			Exchange: a.Exchange,
			Segment:  string(a.Class),
			Type:     models.InstrumentEquity,
		}
	}
	p.instruments[exchange] = out
	return out, nil
}

// GetDayBars returns daily bars for token between from and to (inclusive, YYYY-MM-DD).
func (p *Provider) GetDayBars(token, from, to string) ([]models.MarketBar, error) {
	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid from date %q: %w", from, err)
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid to date %q: %w", to, err)
	}

	bars, err := p.mdClient.GetBars(token, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end.AddDate(0, 0, 1),
		Feed:      marketdata.Feed(p.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bars for %s: %v", market.ErrExternalService, token, err)
	}

	result := make([]models.MarketBar, 0, len(bars))
	for _, b := range bars {
		result = append(result, models.MarketBar{
			Time:   b.Timestamp.UTC().Format(time.RFC3339),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Time < result[j].Time })
	return result, nil
}

// GetQuotes returns the latest trade for each symbol. Symbols without a
// trade are absent from the result.
func (p *Provider) GetQuotes(symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	trades, err := p.mdClient.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{
		Feed: marketdata.Feed(p.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: latest trades: %v", market.ErrExternalService, err)
	}
	for sym, tr := range trades {
		out[sym] = models.Quote{LastPrice: tr.Price, Volume: float64(tr.Size)}
	}
	return out, nil
}

// GetLTP fetches the latest trade price for a symbol.
func (p *Provider) GetLTP(symbol string) (float64, error) {
	trade, err := p.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{
		Feed: marketdata.Feed(p.feed),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: latest trade for %s: %v", market.ErrExternalService, symbol, err)
	}
	if trade == nil {
		return 0, fmt.Errorf("%w: no trade found for %s", market.ErrExternalService, symbol)
	}
	return trade.Price, nil
}

// GetEquity fetches the current total account equity.
func (p *Provider) GetEquity() (float64, error) {
	acct, err := p.tradeClient.GetAccount()
	if err != nil {
		return 0, fmt.Errorf("%w: account: %v", market.ErrExternalService, err)
	}
	return acct.Equity.InexactFloat64(), nil
}

// --- Execution ---

// PlaceSignal submits a market DAY order and waits for the broker to fill it.
// The fill price is the broker's average fill, or the LTP if none is reported.
func (p *Provider) PlaceSignal(sig models.Signal) (models.Order, models.Fill, error) {
	qty := decimal.NewFromInt(int64(sig.Qty))
	side := alpaca.Buy
	if sig.Side == models.SideSell {
		side = alpaca.Sell
	}

	placed, err := p.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      sig.Symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return models.Order{}, models.Fill{}, fmt.Errorf("%w: place order %s: %v", market.ErrExternalService, sig.Symbol, err)
	}

	filled, err := p.awaitFill(placed.ID)
	if err != nil {
		return models.Order{}, models.Fill{}, err
	}

	price := 0.0
	if filled.FilledAvgPrice != nil {
		price = filled.FilledAvgPrice.InexactFloat64()
	}
	if price <= 0 {
		if price, err = p.GetLTP(sig.Symbol); err != nil {
			return models.Order{}, models.Fill{}, err
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	order := models.Order{
		OrderID:      filled.ID,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Qty:          sig.Qty,
		State:        models.OrderFilled,
		AvgFillPrice: price,
		CreatedAt:    filled.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    now,
	}
	fill := models.Fill{
		OrderID: filled.ID,
		Symbol:  sig.Symbol,
		Side:    sig.Side,
		Qty:     sig.Qty,
		Price:   price,
		Time:    now,
	}
	return order, fill, nil
}

func (p *Provider) awaitFill(orderID string) (*alpaca.Order, error) {
	for i := 0; i < p.pollAttempts; i++ {
		o, err := p.tradeClient.GetOrder(orderID)
		if err != nil {
			return nil, fmt.Errorf("%w: get order %s: %v", market.ErrExternalService, orderID, err)
		}
		switch o.Status {
		case "filled":
			return o, nil
		case "canceled", "expired", "rejected", "suspended":
			return nil, fmt.Errorf("%w: order %s ended as %s", market.ErrExternalService, orderID, o.Status)
		}
		time.Sleep(p.pollInterval)
	}
	return nil, fmt.Errorf("%w: order %s not filled after %d polls", market.ErrExternalService, orderID, p.pollAttempts)
}
