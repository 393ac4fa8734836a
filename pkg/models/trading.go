package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType represents order type
type OrderType string

const (
	TypeMarket    OrderType = "market"
	TypeLimit     OrderType = "limit"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls order lifetime at the broker
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// AssetClass distinguishes the broker venues
type AssetClass string

const (
	AssetUSEquity AssetClass = "us_equity"
	AssetCrypto   AssetClass = "crypto"
)

// OrderRequest is the canonical order shape flowing through the pipeline
type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	Type          OrderType        `json:"type"`
	TimeInForce   TimeInForce      `json:"time_in_force"`
	AssetClass    AssetClass       `json:"asset_class"`
	QuoteCcy      string           `json:"quote_ccy,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ExtendedHours bool             `json:"extended_hours,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// Account is the broker account snapshot consumed by policy and sizing
type Account struct {
	ID            string          `json:"id"`
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
	Currency      string          `json:"currency"`
	PatternDay    bool            `json:"pattern_day_trader"`
	TradingBlock  bool            `json:"trading_blocked"`
	AccountBlock  bool            `json:"account_blocked"`
	ShortingPower decimal.Decimal `json:"shorting_power"`
}

// Position is an open holding at the broker
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	AssetClass    AssetClass      `json:"asset_class"`
	Side          string          `json:"side"`
}

// BrokerOrder is the broker's view of a submitted order
type BrokerOrder struct {
	ID            string           `json:"id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	Type          OrderType        `json:"type"`
	Status        string           `json:"status"`
	FilledAvgPx   *decimal.Decimal `json:"filled_avg_price,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
}

// MarketClock is the broker market session snapshot
type MarketClock struct {
	TimestampMS int64 `json:"timestamp_ms"`
	IsOpen      bool  `json:"is_open"`
	NextOpenMS  int64 `json:"next_open_ms"`
	NextCloseMS int64 `json:"next_close_ms"`
}

// Bar is an OHLCV aggregate
type Bar struct {
	Symbol      string          `json:"symbol"`
	TimestampMS int64           `json:"timestamp_ms"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      float64         `json:"volume"`
}

// Quote is a top-of-book snapshot
type Quote struct {
	Symbol      string          `json:"symbol"`
	BidPrice    decimal.Decimal `json:"bid_price"`
	AskPrice    decimal.Decimal `json:"ask_price"`
	TimestampMS int64           `json:"timestamp_ms"`
}

// Trade is the persisted record of an accepted submission
type Trade struct {
	ID             string           `db:"id" json:"id"`
	SubmissionID   *string          `db:"submission_id" json:"submission_id,omitempty"`
	ApprovalID     *string          `db:"approval_id" json:"approval_id,omitempty"`
	BrokerProvider string           `db:"broker_provider" json:"broker_provider"`
	BrokerOrderID  string           `db:"broker_order_id" json:"broker_order_id"`
	Symbol         string           `db:"symbol" json:"symbol"`
	Side           string           `db:"side" json:"side"`
	Qty            *decimal.Decimal `db:"qty" json:"qty,omitempty"`
	Notional       *decimal.Decimal `db:"notional" json:"notional,omitempty"`
	AssetClass     string           `db:"asset_class" json:"asset_class"`
	QuoteCcy       *string          `db:"quote_ccy" json:"quote_ccy,omitempty"`
	OrderType      string           `db:"order_type" json:"order_type"`
	Status         string           `db:"status" json:"status"`
	LimitPrice     *decimal.Decimal `db:"limit_price" json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `db:"stop_price" json:"stop_price,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}
