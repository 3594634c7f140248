package models

// InstrumentEquity is the instrument type screened for entries.
const InstrumentEquity = "EQ"

// MarketBar is one trading day of OHLCV data. The symbol is carried by the
// caller; Time is an ISO timestamp whose first 10 characters are the date.
type MarketBar struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Date returns the trading date (YYYY-MM-DD) of the bar.
func (b MarketBar) Date() string {
	if len(b.Time) < 10 {
		return b.Time
	}
	return b.Time[:10]
}

// Instrument is a tradable instrument as listed by the broker.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Token    string `json:"token"`
	Exchange string `json:"exchange"`
	Segment  string `json:"segment"`
	Type     string `json:"type"`
}

// Quote is the last traded snapshot for a symbol.
type Quote struct {
	LastPrice float64 `json:"last_price"`
	Volume    float64 `json:"volume"`
}

// Trend classifies price against its moving averages.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
	TrendAny  Trend = "any"
)

// ScreenerRow is a symbol's as-of indicator snapshot.
type ScreenerRow struct {
	Symbol      string  `json:"symbol"`
	AsOf        string  `json:"asOf"`
	Close       float64 `json:"close"`
	EMA20       float64 `json:"ema20"`
	EMA50       float64 `json:"ema50"`
	RSI14       float64 `json:"rsi14"`
	ATR14       float64 `json:"atr14"`
	High20      float64 `json:"high20"`
	VolumeRatio float64 `json:"volumeRatio"`
	ADV20       float64 `json:"adv20"`
	RSScore60d  float64 `json:"rsScore60d"`
	Trend       Trend   `json:"trend"`
}
