package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/csuduan/qtrader/internal/ordercmd"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/types"
)

// Trader is the slice of harness surface a strategy may call. Submissions
// are routed through the harness so pause flags and source tagging apply.
type Trader interface {
	// Submit registers an order command on behalf of the strategy. The
	// harness fills in cmd id and source tag.
	Submit(strategyID string, cfg ordercmd.Config) (string, error)
}

// Strategy is one trading algorithm bound to a single primary symbol.
// Handlers run on bus dispatch goroutines and must not block.
type Strategy interface {
	Init(tradingDay string) error
	OnTick(tick types.Tick)
	OnBar(bar types.Bar)
	OnOrder(o types.Order)
	OnTrade(tr types.Trade)
	GetParams() map[string]any
	UpdateParams(params map[string]any) error
}

// Signaler is implemented by strategies that accept external signals.
type Signaler interface {
	UpdateSignal(signal map[string]any) error
}

// Factory builds a strategy instance from its catalog entry.
type Factory func(cfg config.StrategyConfig, trader Trader) (Strategy, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterClass makes a strategy class available to the catalog loader.
func RegisterClass(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// NewByClass instantiates a registered strategy class.
func NewByClass(name string, cfg config.StrategyConfig, trader Trader) (Strategy, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy class %q", name)
	}
	return f(cfg, trader)
}

// Classes returns the registered class names, sorted.
func Classes() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
