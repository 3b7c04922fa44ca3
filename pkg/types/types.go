package types

import (
	"strings"
	"time"
)

// Direction denotes order side.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Offset denotes whether an order opens or closes a position.
type Offset string

const (
	OffsetOpen           Offset = "open"
	OffsetClose          Offset = "close"
	OffsetCloseToday     Offset = "close_today"
	OffsetCloseYesterday Offset = "close_yesterday"
)

// IsClose reports whether the offset reduces an existing position.
func (o Offset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// PriceType captures order pricing semantics.
type PriceType string

const (
	PriceTypeLimit  PriceType = "limit"
	PriceTypeMarket PriceType = "market"
	PriceTypeFOK    PriceType = "fok"
	PriceTypeFAK    PriceType = "fak"
)

// OrderStatus normalizes gateway order states into a small set.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusRejected OrderStatus = "rejected"
	StatusFinished OrderStatus = "finished"
)

// PosSide distinguishes the long and short legs of a position.
type PosSide string

const (
	PosLong  PosSide = "long"
	PosShort PosSide = "short"
)

// Interval enumerates supported bar widths.
type Interval string

const (
	IntervalM1  Interval = "M1"
	IntervalM5  Interval = "M5"
	IntervalM15 Interval = "M15"
	IntervalM30 Interval = "M30"
	IntervalH1  Interval = "H1"
	IntervalD1  Interval = "D1"
)

// Minutes returns the bar width in minutes (1440 for daily).
func (i Interval) Minutes() int {
	switch i {
	case IntervalM1:
		return 1
	case IntervalM5:
		return 5
	case IntervalM15:
		return 15
	case IntervalM30:
		return 30
	case IntervalH1:
		return 60
	case IntervalD1:
		return 1440
	default:
		return 0
	}
}

// Account is the brokerage account snapshot for one Trader.
type Account struct {
	AccountID        string    `json:"account_id"`
	Balance          float64   `json:"balance"`
	Available        float64   `json:"available"`
	Margin           float64   `json:"margin"`
	PreBalance       float64   `json:"pre_balance"`
	HoldProfit       float64   `json:"hold_profit"`
	CloseProfit      float64   `json:"close_profit"`
	RiskRatio        float64   `json:"risk_ratio"`
	Currency         string    `json:"currency"`
	BrokerName       string    `json:"broker_name"`
	GatewayConnected bool      `json:"gateway_connected"`
	TradePaused      bool      `json:"trade_paused"`
	RiskStatus       string    `json:"risk_status"`
	UpdateTime       time.Time `json:"update_time"`
}

// Position is one side of a symbol's position. Long and short legs are
// tracked independently.
type Position struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Side       PosSide `json:"side"`
	NetPos     int     `json:"net_pos"`
	YdPos      int     `json:"yd_pos"`
	TdPos      int     `json:"td_pos"`
	AvgPrice   float64 `json:"avg_price"`
	HoldProfit float64 `json:"hold_profit"`
	Margin     float64 `json:"margin"`
}

// PositionKey identifies one position leg.
func (p Position) PositionKey() string {
	return p.Symbol + "." + p.Exchange + "." + string(p.Side)
}

// Order is a single gateway-submitted child order.
type Order struct {
	OrderID        string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Exchange       string      `json:"exchange"`
	Direction      Direction   `json:"direction"`
	Offset         Offset      `json:"offset"`
	VolumeOriginal int         `json:"volume_original"`
	VolumeTraded   int         `json:"volume_traded"`
	Price          *float64    `json:"price"` // nil means market
	PriceType      PriceType   `json:"price_type"`
	Status         OrderStatus `json:"status"`
	StatusMsg      string      `json:"status_msg"`
	GatewayOrderID string      `json:"gateway_order_id"`
	InsertTime     time.Time   `json:"insert_time"`
	UpdateTime     time.Time   `json:"update_time"`
}

// VolumeLeft is the unfilled remainder of the order.
func (o Order) VolumeLeft() int {
	return o.VolumeOriginal - o.VolumeTraded
}

// Active reports whether the order can still trade.
func (o Order) Active() bool {
	return o.Status == StatusPending
}

// rejectKeywords classify a pending order as effectively rejected based on
// the broker status message.
var rejectKeywords = []string{"rejected", "insufficient", "halt"}

// Rejectish reports whether the status message matches the reject keyword set.
func (o Order) Rejectish() bool {
	msg := strings.ToLower(o.StatusMsg)
	for _, kw := range rejectKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Trade is one fill. Multiple trades may reference the same order.
type Trade struct {
	TradeID    string    `json:"trade_id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Exchange   string    `json:"exchange"`
	Direction  Direction `json:"direction"`
	Offset     Offset    `json:"offset"`
	Price      float64   `json:"price"`
	Volume     int       `json:"volume"`
	TradeTime  time.Time `json:"trade_time"`
	TradingDay string    `json:"trading_day"`
	Commission float64   `json:"commission"`
}

// Tick is a market snapshot for one symbol.
type Tick struct {
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Timestamp    time.Time `json:"timestamp"`
	LastPrice    float64   `json:"last_price"`
	Bid1         float64   `json:"bid1"`
	Ask1         float64   `json:"ask1"`
	BidVol1      int       `json:"bid_vol1"`
	AskVol1      int       `json:"ask_vol1"`
	Volume       int       `json:"volume"`
	Turnover     float64   `json:"turnover"`
	OpenInterest float64   `json:"open_interest"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	PreClose     float64   `json:"pre_close"`
	LimitUp      float64   `json:"limit_up"`
	LimitDown    float64   `json:"limit_down"`
}

// Bar is a resampled candle. Timestamp is the bucket start.
type Bar struct {
	Symbol       string    `json:"symbol"`
	Interval     Interval  `json:"interval"`
	Timestamp    time.Time `json:"timestamp"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int       `json:"volume"`
	Turnover     float64   `json:"turnover"`
	OpenInterest float64   `json:"open_interest"`
	UpdateTime   time.Time `json:"update_time"`
}

// OrderRequest captures an order intent to be sent to the gateway.
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Volume    int       `json:"volume"`
	Price     *float64  `json:"price"` // nil means market
	PriceType PriceType `json:"price_type"`
}

// Contract describes a tradable instrument.
type Contract struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
	PriceTick  float64 `json:"price_tick"`
	MarginRate float64 `json:"margin_rate"`
}

// AccountStatus is pushed on gateway connect state changes.
type AccountStatus struct {
	AccountID string `json:"account_id"`
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
}
