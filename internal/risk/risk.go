package risk

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/csuduan/qtrader/pkg/types"
)

// Limits are the static pre-trade thresholds for one account.
type Limits struct {
	MaxDailyOrders  int
	MaxDailyCancels int
	MaxOrderVolume  int
	OrdersPerSecond float64
	OrderBurst      int
}

// Checker enforces pre-trade risk limits. Counters reset when the local
// date changes.
type Checker struct {
	limits  Limits
	limiter *rate.Limiter

	mu          sync.Mutex
	orderCount  int
	cancelCount int
	day         string
}

// NewChecker builds a checker. Zero or negative limits disable the
// corresponding check.
func NewChecker(l Limits) *Checker {
	rps := l.OrdersPerSecond
	if rps <= 0 {
		rps = float64(rate.Inf)
	}
	burst := l.OrderBurst
	if burst <= 0 {
		burst = 1
	}
	return &Checker{
		limits:  l,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		day:     time.Now().Format("20060102"),
	}
}

func (c *Checker) rollLocked(now time.Time) {
	if d := now.Format("20060102"); d != c.day {
		c.day = d
		c.orderCount = 0
		c.cancelCount = 0
	}
}

// CheckOrder validates one order request and, on success, consumes one
// daily-order slot and one rate token.
func (c *Checker) CheckOrder(req types.OrderRequest) error {
	if req.Volume <= 0 {
		return fmt.Errorf("risk: volume %d", req.Volume)
	}
	if c.limits.MaxOrderVolume > 0 && req.Volume > c.limits.MaxOrderVolume {
		return fmt.Errorf("risk: volume %d exceeds per-order limit %d",
			req.Volume, c.limits.MaxOrderVolume)
	}

	c.mu.Lock()
	c.rollLocked(time.Now())
	if c.limits.MaxDailyOrders > 0 && c.orderCount >= c.limits.MaxDailyOrders {
		c.mu.Unlock()
		return fmt.Errorf("risk: daily order limit %d reached", c.limits.MaxDailyOrders)
	}
	c.orderCount++
	c.mu.Unlock()

	if !c.limiter.Allow() {
		c.mu.Lock()
		c.orderCount-- // slot not used
		c.mu.Unlock()
		return fmt.Errorf("risk: order rate limit exceeded")
	}
	return nil
}

// CheckCancel validates one cancel request and consumes a daily-cancel slot.
func (c *Checker) CheckCancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked(time.Now())
	if c.limits.MaxDailyCancels > 0 && c.cancelCount >= c.limits.MaxDailyCancels {
		return fmt.Errorf("risk: daily cancel limit %d reached", c.limits.MaxDailyCancels)
	}
	c.cancelCount++
	return nil
}

// Counters reports today's consumed order and cancel slots.
func (c *Checker) Counters() (orders, cancels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked(time.Now())
	return c.orderCount, c.cancelCount
}
