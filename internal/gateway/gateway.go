package gateway

import (
	"context"
	"fmt"

	"github.com/csuduan/qtrader/pkg/types"
)

// Callbacks are registered by the trader; the gateway invokes them on every
// change of the corresponding data kind and de-duplicates no-op updates.
type Callbacks struct {
	OnTick     func(types.Tick)
	OnBar      func(types.Bar)
	OnOrder    func(types.Order)
	OnTrade    func(types.Trade)
	OnPosition func(types.Position)
	OnAccount  func(types.Account)
	OnContract func(types.Contract)
}

// Gateway abstracts the upstream brokerage adapter a trader drives.
//
// For every child order submitted, the owning trader receives at least one
// order callback carrying either a terminal status or a strictly growing
// traded volume; every fill produces exactly one trade callback with its own
// trade id.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	SubscribeBars(symbol string, interval types.Interval) error

	SendOrder(req types.OrderRequest) (types.Order, error)
	CancelOrder(orderID string) error

	GetAccount() *types.Account
	GetPositions() []types.Position
	GetOrders() []types.Order
	GetOrder(orderID string) *types.Order
	GetTrades() []types.Trade
	GetTrade(tradeID string) *types.Trade
	GetQuotes() []types.Tick
	GetKline(symbol string, interval types.Interval, count int) []types.Bar
	GetContracts() []types.Contract
	GetTradingDay() string

	RegisterCallbacks(cb Callbacks)
	Connected() bool
}

// Config selects and parameterizes a concrete gateway.
type Config struct {
	AccountID  string
	BrokerName string
	Currency   string
	Symbols    []string // std symbols pre-subscribed on connect
}

// New builds a gateway by adapter name.
func New(name string, cfg Config) (Gateway, error) {
	switch name {
	case "", "sim":
		return NewSim(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported gateway %q", name)
	}
}
