package ordercmd

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/csuduan/qtrader/pkg/types"
)

var t0 = time.Date(2024, 6, 3, 9, 30, 0, 0, time.Local)

func newRunningCmd(t *testing.T, cfg Config) *Cmd {
	t.Helper()
	if cfg.CmdID == "" {
		cfg.CmdID = "cmd1"
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "rb2501"
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "SHFE"
	}
	if cfg.Direction == "" {
		cfg.Direction = types.DirectionBuy
	}
	if cfg.Offset == "" {
		cfg.Offset = types.OffsetOpen
	}
	c, err := New(cfg, t0)
	if err != nil {
		t.Fatalf("new cmd: %v", err)
	}
	c.Register(t0)
	return c
}

func childOrder(id string, volume int) types.Order {
	return types.Order{
		OrderID: id, Symbol: "rb2501", Exchange: "SHFE",
		Direction: types.DirectionBuy, Offset: types.OffsetOpen,
		VolumeOriginal: volume, Status: types.StatusPending,
	}
}

func fill(orderID, tradeID string, volume int, price float64) types.Trade {
	return types.Trade{
		TradeID: tradeID, OrderID: orderID, Symbol: "rb2501",
		Volume: volume, Price: price,
	}
}

func TestSimpleFillComputesVWAP(t *testing.T) {
	c := newRunningCmd(t, Config{Target: 5, MaxPerOrder: 5})

	a := c.Tick(t0, true)
	if a == nil || a.Submit == nil || a.Submit.Volume != 5 {
		t.Fatalf("first tick action %+v, expected submit of 5", a)
	}
	if a.Submit.PriceType != types.PriceTypeMarket {
		t.Fatalf("nil price should submit market, got %s", a.Submit.PriceType)
	}
	c.OnOrderSubmitted(childOrder("o1", 5), t0)

	if a := c.Tick(t0.Add(time.Second), true); a != nil {
		t.Fatalf("tick with pending child produced action %+v", a)
	}

	c.OnTrade(fill("o1", "t1", 3, 3500), t0.Add(time.Second))
	if c.Finished() {
		t.Fatal("finished before target filled")
	}
	c.OnTrade(fill("o1", "t2", 2, 3502.5), t0.Add(2*time.Second))

	if !c.Finished() {
		t.Fatal("not finished after full fill")
	}
	v := c.Snapshot()
	if v.FinishReason != ReasonAllCompleted {
		t.Fatalf("finish reason %q", v.FinishReason)
	}
	if v.FilledVolume != 5 || math.Abs(v.FilledPrice-3501) > 1e-9 {
		t.Fatalf("filled %d @ %.4f, expected 5 @ 3501", v.FilledVolume, v.FilledPrice)
	}
}

func TestTWAPPacesSubmissions(t *testing.T) {
	c := newRunningCmd(t, Config{
		Target: 9, MaxPerOrder: 3,
		Split: SplitTWAP, TwapDuration: 9 * time.Second,
	})

	// Slice 0 at t0.
	a := c.Tick(t0, true)
	if a == nil || a.Submit == nil || a.Submit.Volume != 3 {
		t.Fatalf("t=0 action %+v", a)
	}
	c.OnOrderSubmitted(childOrder("o1", 3), t0)
	c.OnTrade(fill("o1", "t1", 3, 3500), t0)
	c.OnOrder(types.Order{OrderID: "o1", VolumeOriginal: 3, VolumeTraded: 3,
		Status: types.StatusFinished}, t0)

	// Slice 1 is not ready before t0+3s.
	if a := c.Tick(t0.Add(2*time.Second), true); a != nil {
		t.Fatalf("t=2 action %+v, expected none", a)
	}
	a = c.Tick(t0.Add(3*time.Second), true)
	if a == nil || a.Submit == nil || a.Submit.Volume != 3 {
		t.Fatalf("t=3 action %+v", a)
	}
	c.OnOrderSubmitted(childOrder("o2", 3), t0.Add(3*time.Second))
	c.OnTrade(fill("o2", "t2", 3, 3501), t0.Add(3*time.Second))
	c.OnOrder(types.Order{OrderID: "o2", VolumeOriginal: 3, VolumeTraded: 3,
		Status: types.StatusFinished}, t0.Add(3*time.Second))

	a = c.Tick(t0.Add(6*time.Second), true)
	if a == nil || a.Submit == nil || a.Submit.Volume != 3 {
		t.Fatalf("t=6 action %+v", a)
	}
	c.OnOrderSubmitted(childOrder("o3", 3), t0.Add(6*time.Second))
	c.OnTrade(fill("o3", "t3", 3, 3502), t0.Add(6*time.Second))

	if !c.Finished() || c.Snapshot().FinishReason != ReasonAllCompleted {
		t.Fatalf("snapshot %+v", c.Snapshot())
	}
	if got := c.FilledPrice(); math.Abs(got-3501) > 1e-9 {
		t.Fatalf("vwap %.4f, expected 3501", got)
	}
}

func TestChildTimeoutCancelsAndResubmitsRemainder(t *testing.T) {
	c := newRunningCmd(t, Config{
		Target: 4, MaxPerOrder: 4,
		OrderTimeout: 2 * time.Second, MaxRetries: 1,
	})

	a := c.Tick(t0, true)
	if a == nil || a.Submit == nil {
		t.Fatalf("first tick %+v", a)
	}
	c.OnOrderSubmitted(childOrder("o1", 4), t0)
	c.OnTrade(fill("o1", "t1", 1, 3500), t0.Add(time.Second))

	// Before the timeout nothing happens.
	if a := c.Tick(t0.Add(1500*time.Millisecond), true); a != nil {
		t.Fatalf("pre-timeout action %+v", a)
	}
	a = c.Tick(t0.Add(2*time.Second), true)
	if a == nil || a.CancelOrderID != "o1" {
		t.Fatalf("timeout action %+v, expected cancel of o1", a)
	}
	// Cancel is in flight: no duplicate issue.
	if a := c.Tick(t0.Add(3*time.Second), true); a != nil {
		t.Fatalf("action while cancel pending %+v", a)
	}

	// Cancel lands with 3 lots unfilled.
	c.OnOrder(types.Order{OrderID: "o1", VolumeOriginal: 4, VolumeTraded: 1,
		Status: types.StatusFinished, StatusMsg: "cancelled"}, t0.Add(3*time.Second))

	a = c.Tick(t0.Add(3*time.Second), true)
	if a == nil || a.Submit == nil || a.Submit.Volume != 3 {
		t.Fatalf("resubmit action %+v, expected submit of 3", a)
	}
	c.OnOrderSubmitted(childOrder("o2", 3), t0.Add(3*time.Second))

	// The fresh child has its own retry budget.
	a = c.Tick(t0.Add(5*time.Second), true)
	if a == nil || a.CancelOrderID != "o2" {
		t.Fatalf("second timeout action %+v, expected cancel of o2", a)
	}
}

func TestRetriesExhaustedLeavesChildAlone(t *testing.T) {
	c := newRunningCmd(t, Config{
		Target: 2, MaxPerOrder: 2,
		OrderTimeout: time.Second, MaxRetries: 0,
	})
	if a := c.Tick(t0, true); a == nil || a.Submit == nil {
		t.Fatal("expected initial submit")
	}
	c.OnOrderSubmitted(childOrder("o1", 2), t0)
	if a := c.Tick(t0.Add(time.Minute), true); a != nil {
		t.Fatalf("action with zero retries %+v", a)
	}
}

func TestRejectishStatusFinishesCommand(t *testing.T) {
	c := newRunningCmd(t, Config{Target: 3, MaxPerOrder: 3})
	if a := c.Tick(t0, true); a == nil || a.Submit == nil {
		t.Fatal("expected initial submit")
	}
	c.OnOrderSubmitted(childOrder("o1", 3), t0)

	c.OnOrder(types.Order{OrderID: "o1", VolumeOriginal: 3,
		Status: types.StatusPending, StatusMsg: "insufficient margin"}, t0.Add(time.Second))

	v := c.Snapshot()
	if v.Status != StatusFinished || !strings.HasPrefix(v.FinishReason, "rejected:") {
		t.Fatalf("snapshot %+v, expected rejected finish", v)
	}
	if !strings.Contains(v.FinishReason, "insufficient margin") {
		t.Fatalf("finish reason %q lost the broker message", v.FinishReason)
	}
}

func TestTotalTimeoutFinishes(t *testing.T) {
	c := newRunningCmd(t, Config{
		Target: 10, MaxPerOrder: 10, TotalTimeout: 5 * time.Second,
	})
	if a := c.Tick(t0, true); a == nil || a.Submit == nil {
		t.Fatal("expected initial submit")
	}
	c.OnOrderSubmitted(childOrder("o1", 10), t0)
	c.OnTrade(fill("o1", "t1", 4, 3500), t0.Add(time.Second))

	if a := c.Tick(t0.Add(5*time.Second), true); a != nil {
		t.Fatalf("post-deadline action %+v", a)
	}
	v := c.Snapshot()
	if v.FinishReason != ReasonTotalTimeout || v.FilledVolume != 4 {
		t.Fatalf("snapshot %+v", v)
	}
}

func TestDuplicateTradeCountedOnce(t *testing.T) {
	c := newRunningCmd(t, Config{Target: 5, MaxPerOrder: 5})
	c.Tick(t0, true)
	c.OnOrderSubmitted(childOrder("o1", 5), t0)

	tr := fill("o1", "t1", 2, 3500)
	if !c.OnTrade(tr, t0) {
		t.Fatal("first delivery not counted")
	}
	if c.OnTrade(tr, t0) {
		t.Fatal("replayed trade counted again")
	}
	if c.FilledVolume() != 2 {
		t.Fatalf("filled %d, expected 2", c.FilledVolume())
	}
}

func TestOverfillClampedToChildVolume(t *testing.T) {
	c := newRunningCmd(t, Config{Target: 10, MaxPerOrder: 3})
	c.Tick(t0, true)
	c.OnOrderSubmitted(childOrder("o1", 3), t0)

	c.OnTrade(fill("o1", "t1", 3, 3500), t0)
	c.OnTrade(fill("o1", "t2", 2, 3600), t0) // bogus extra fill
	if c.FilledVolume() != 3 {
		t.Fatalf("filled %d, expected clamp at child volume 3", c.FilledVolume())
	}
	if got := c.FilledPrice(); math.Abs(got-3500) > 1e-9 {
		t.Fatalf("vwap %.4f polluted by clamped fill", got)
	}
}

func TestPausedSuppressesSubmitsButNotCancels(t *testing.T) {
	c := newRunningCmd(t, Config{
		Target: 6, MaxPerOrder: 3,
		OrderTimeout: time.Second, MaxRetries: 1,
	})

	if a := c.Tick(t0, false); a != nil {
		t.Fatalf("paused tick produced %+v", a)
	}
	a := c.Tick(t0, true)
	if a == nil || a.Submit == nil {
		t.Fatal("resumed tick should submit")
	}
	c.OnOrderSubmitted(childOrder("o1", 3), t0)

	// Paused, but the pending child still times out and gets cancelled.
	a = c.Tick(t0.Add(time.Second), false)
	if a == nil || a.CancelOrderID != "o1" {
		t.Fatalf("paused timeout action %+v, expected cancel", a)
	}
}

func TestTerminalCommandIsAbsorbing(t *testing.T) {
	c := newRunningCmd(t, Config{Target: 1, MaxPerOrder: 1})
	c.Tick(t0, true)
	c.OnOrderSubmitted(childOrder("o1", 1), t0)
	c.OnTrade(fill("o1", "t1", 1, 3500), t0)
	if !c.Finished() {
		t.Fatal("expected finished")
	}

	if c.OnTrade(fill("o1", "t2", 1, 9999), t0) {
		t.Fatal("terminal command accepted a trade")
	}
	if c.OnOrder(types.Order{OrderID: "o1", Status: types.StatusRejected}, t0) {
		t.Fatal("terminal command accepted an order update")
	}
	if a := c.Tick(t0.Add(time.Hour), true); a != nil {
		t.Fatalf("terminal tick produced %+v", a)
	}
	if got := c.Snapshot().FinishReason; got != ReasonAllCompleted {
		t.Fatalf("finish reason mutated to %q", got)
	}
	c.Close(ReasonCancelled, t0)
	if got := c.Snapshot().FinishReason; got != ReasonAllCompleted {
		t.Fatalf("close overwrote finish reason: %q", got)
	}
}

func TestOrderIntervalGatesResubmission(t *testing.T) {
	c := newRunningCmd(t, Config{
		Target: 6, MaxPerOrder: 3, OrderInterval: 2 * time.Second,
	})
	a := c.Tick(t0, true)
	if a == nil || a.Submit == nil {
		t.Fatal("expected first submit")
	}
	c.OnOrderSubmitted(childOrder("o1", 3), t0)
	c.OnTrade(fill("o1", "t1", 3, 3500), t0)
	c.OnOrder(types.Order{OrderID: "o1", VolumeOriginal: 3, VolumeTraded: 3,
		Status: types.StatusFinished}, t0)

	if a := c.Tick(t0.Add(time.Second), true); a != nil {
		t.Fatalf("submit before interval elapsed: %+v", a)
	}
	a = c.Tick(t0.Add(2*time.Second), true)
	if a == nil || a.Submit == nil || a.Submit.Volume != 3 {
		t.Fatalf("post-interval action %+v", a)
	}
}
