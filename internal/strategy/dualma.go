package strategy

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/csuduan/qtrader/internal/ordercmd"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/types"
)

func init() {
	RegisterClass("dual_ma", NewDualMA)
}

// DualMA is a simple moving-average crossover strategy: fast above slow
// opens a long, fast below slow closes it. One lot position at a time.
type DualMA struct {
	id     string
	trader Trader

	mu      sync.Mutex
	fast    int
	slow    int
	volume  int
	closes  []float64
	holding bool
	signal  int // external bias: -1 forbids opening, 0 neutral
}

// NewDualMA builds the strategy from catalog params fast/slow/volume.
func NewDualMA(cfg config.StrategyConfig, trader Trader) (Strategy, error) {
	s := &DualMA{
		id:     cfg.StrategyID,
		trader: trader,
		fast:   5,
		slow:   20,
		volume: 1,
	}
	if err := s.UpdateParams(cfg.Params); err != nil {
		return nil, err
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("dual_ma %s: fast %d must be below slow %d", s.id, s.fast, s.slow)
	}
	return s, nil
}

func (s *DualMA) Init(tradingDay string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = s.closes[:0]
	s.holding = false
	log.Printf("dual_ma %s: init for %s (fast=%d slow=%d)", s.id, tradingDay, s.fast, s.slow)
	return nil
}

func (s *DualMA) OnTick(types.Tick) {}

func (s *DualMA) OnBar(bar types.Bar) {
	s.mu.Lock()
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.slow {
		s.closes = s.closes[len(s.closes)-s.slow:]
	}
	if len(s.closes) < s.slow {
		s.mu.Unlock()
		return
	}
	fast := avg(s.closes[len(s.closes)-s.fast:])
	slow := avg(s.closes)

	var cfg *ordercmd.Config
	switch {
	case fast > slow && !s.holding && s.signal >= 0:
		cfg = &ordercmd.Config{
			Direction: types.DirectionBuy, Offset: types.OffsetOpen,
			Target: s.volume, Split: ordercmd.SplitSimple,
			MaxPerOrder: s.volume, OrderTimeout: 10 * time.Second,
			TotalTimeout: time.Minute, MaxRetries: 2,
		}
		s.holding = true
	case fast < slow && s.holding:
		cfg = &ordercmd.Config{
			Direction: types.DirectionSell, Offset: types.OffsetClose,
			Target: s.volume, Split: ordercmd.SplitSimple,
			MaxPerOrder: s.volume, OrderTimeout: 10 * time.Second,
			TotalTimeout: time.Minute, MaxRetries: 2,
		}
		s.holding = false
	}
	s.mu.Unlock()

	if cfg == nil {
		return
	}
	if _, err := s.trader.Submit(s.id, *cfg); err != nil {
		log.Printf("dual_ma %s: submit: %v", s.id, err)
		s.mu.Lock()
		s.holding = cfg.Offset.IsClose() // submission failed, keep prior stance
		s.mu.Unlock()
	}
}

func (s *DualMA) OnOrder(types.Order) {}
func (s *DualMA) OnTrade(types.Trade) {}

func (s *DualMA) GetParams() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"fast": s.fast, "slow": s.slow, "volume": s.volume}
}

func (s *DualMA) UpdateParams(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range params {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("dual_ma %s: param %s: %v is not an integer", s.id, k, v)
		}
		switch k {
		case "fast":
			s.fast = n
		case "slow":
			s.slow = n
		case "volume":
			s.volume = n
		default:
			return fmt.Errorf("dual_ma %s: unknown param %s", s.id, k)
		}
	}
	return nil
}

// UpdateSignal accepts {"bias": -1|0|1}; a negative bias forbids new opens.
func (s *DualMA) UpdateSignal(signal map[string]any) error {
	v, ok := signal["bias"]
	if !ok {
		return fmt.Errorf("dual_ma %s: signal missing bias", s.id)
	}
	n, ok := asInt(v)
	if !ok || n < -1 || n > 1 {
		return fmt.Errorf("dual_ma %s: bias %v out of range", s.id, v)
	}
	s.mu.Lock()
	s.signal = n
	s.mu.Unlock()
	return nil
}

func avg(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// asInt tolerates the numeric types yaml and json decoders produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
