package models

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the lifecycle state of an Order.
type OrderState string

const (
	OrderNew      OrderState = "NEW"
	OrderFilled   OrderState = "FILLED"
	OrderRejected OrderState = "REJECTED"
)

// Signal is a proposed, sized entry order.
type Signal struct {
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	EntryPrice  float64 `json:"entryPrice"`
	StopPrice   float64 `json:"stopPrice"`
	TargetPrice float64 `json:"targetPrice"`
	Qty         int     `json:"qty"`
	Reason      string  `json:"reason"`
	RankScore   float64 `json:"rankScore"`
	ATR14       float64 `json:"atr14"`
}

// RiskLimits is the per-runtime risk configuration.
type RiskLimits struct {
	MaxDailyLoss         float64 `json:"maxDailyLoss" yaml:"max_daily_loss"`
	MaxOpenPositions     int     `json:"maxOpenPositions" yaml:"max_open_positions"`
	MaxOrdersPerDay      int     `json:"maxOrdersPerDay" yaml:"max_orders_per_day"`
	MaxExposurePerSymbol float64 `json:"maxExposurePerSymbol" yaml:"max_exposure_per_symbol"`
	RiskPerTrade         float64 `json:"riskPerTrade" yaml:"risk_per_trade"`
}

// Position is a held quantity. Qty is signed; positive is long.
type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      int     `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// ManagedPosition is the trailing-stop state of a long position.
type ManagedPosition struct {
	Symbol       string  `json:"symbol"`
	Qty          int     `json:"qty"`
	ATR14        float64 `json:"atr14"`
	StopPrice    float64 `json:"stop_price"`
	HighestPrice float64 `json:"highest_price"`
}

// Order is an execution record.
type Order struct {
	OrderID      string     `json:"order_id"`
	Symbol       string     `json:"symbol"`
	Side         Side       `json:"side"`
	Qty          int        `json:"qty"`
	State        OrderState `json:"state"`
	AvgFillPrice float64    `json:"avg_fill_price"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
}

// Fill is an executed quantity at a price.
type Fill struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"side"`
	Qty     int     `json:"qty"`
	Price   float64 `json:"price"`
	Time    string  `json:"time"`
}

// DailySnapshot is an end-of-job account summary.
type DailySnapshot struct {
	TradeDate     string  `json:"trade_date"`
	Equity        float64 `json:"equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	OpenPositions int     `json:"open_positions"`
	Note          string  `json:"note"`
}

// StopOut reports a trailing-stop exit executed by the monitor.
type StopOut struct {
	Symbol string  `json:"symbol"`
	Qty    int     `json:"qty"`
	Price  float64 `json:"price"`
	Stop   float64 `json:"stop"`
	PnL    float64 `json:"pnl"`
}
