package ordercmd

import (
	"fmt"
	"time"

	"github.com/csuduan/qtrader/pkg/types"
)

// Status is the lifecycle state of an order command.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Finish reasons. Rejections carry the broker message after the colon.
const (
	ReasonAllCompleted = "all_completed"
	ReasonTotalTimeout = "total_timeout"
	ReasonCancelled    = "cancelled"
	reasonRejectPrefix = "rejected:"
)

// Config parameterizes one order command.
type Config struct {
	CmdID     string          `json:"cmd_id"`
	SourceTag string          `json:"source_tag"`
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Direction types.Direction `json:"direction"`
	Offset    types.Offset    `json:"offset"`
	Target    int             `json:"target_volume"`
	Price     *float64        `json:"price"` // nil means market children

	Split         SplitStrategy `json:"split"`
	MaxPerOrder   int           `json:"max_volume_per_order"`
	OrderInterval time.Duration `json:"order_interval"`
	TwapDuration  time.Duration `json:"twap_duration"`
	TotalTimeout  time.Duration `json:"total_timeout"`
	OrderTimeout  time.Duration `json:"order_timeout"`
	MaxRetries    int           `json:"max_retries"`
}

// Action is the single decision a command ticks out. At most one of Submit
// and CancelOrderID is set.
type Action struct {
	Submit        *types.OrderRequest
	CancelOrderID string
}

// Cmd tracks a parent order command through child submissions and fills.
// It is not safe for concurrent use; the executor serializes access.
type Cmd struct {
	cfg Config

	status       Status
	finishReason string
	createdAt    time.Time
	startedAt    time.Time
	finishedAt   time.Time

	schedule []chunk
	schedIdx int

	pendingOrder    *types.Order
	pendingSince    time.Time
	cancelRequested bool
	lastSubmitAt    time.Time

	retryVolume int
	retries     map[string]int // cancel retries per child order id

	childIDs []string
	childVol map[string]int

	filledVolume   int
	filledNotional float64
	countedByChild map[string]int
	countedTrades  map[string]struct{}
}

// New validates the config and builds a pending command.
func New(cfg Config, now time.Time) (*Cmd, error) {
	if cfg.CmdID == "" {
		return nil, fmt.Errorf("order cmd: missing cmd id")
	}
	if cfg.Symbol == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("order cmd %s: missing symbol", cfg.CmdID)
	}
	if cfg.Target <= 0 {
		return nil, fmt.Errorf("order cmd %s: target volume %d", cfg.CmdID, cfg.Target)
	}
	if cfg.Split == "" {
		cfg.Split = SplitSimple
	}
	if cfg.Split != SplitSimple && cfg.Split != SplitTWAP {
		return nil, fmt.Errorf("order cmd %s: unknown split %q", cfg.CmdID, cfg.Split)
	}
	if cfg.MaxPerOrder <= 0 {
		cfg.MaxPerOrder = cfg.Target
	}
	return &Cmd{
		cfg:            cfg,
		status:         StatusPending,
		createdAt:      now,
		retries:        make(map[string]int),
		childVol:       make(map[string]int),
		countedByChild: make(map[string]int),
		countedTrades:  make(map[string]struct{}),
	}, nil
}

func (c *Cmd) ID() string        { return c.cfg.CmdID }
func (c *Cmd) Symbol() string    { return c.cfg.Symbol }
func (c *Cmd) SourceTag() string { return c.cfg.SourceTag }
func (c *Cmd) Config() Config    { return c.cfg }
func (c *Cmd) Finished() bool    { return c.status == StatusFinished }
func (c *Cmd) FilledVolume() int { return c.filledVolume }

// FilledPrice is the volume-weighted average fill price, 0 before any fill.
func (c *Cmd) FilledPrice() float64 {
	if c.filledVolume == 0 {
		return 0
	}
	return c.filledNotional / float64(c.filledVolume)
}

// Register transitions the command to running and plans its child schedule.
func (c *Cmd) Register(now time.Time) {
	if c.status != StatusPending {
		return
	}
	c.status = StatusRunning
	c.startedAt = now
	c.schedule = buildSchedule(c.cfg.Split, c.cfg.Target, c.cfg.MaxPerOrder, c.cfg.TwapDuration, now)
}

// Close finishes the command with an explicit reason. No-op once terminal.
func (c *Cmd) Close(reason string, now time.Time) {
	c.finish(reason, now)
}

func (c *Cmd) finish(reason string, now time.Time) {
	if c.status == StatusFinished {
		return
	}
	c.status = StatusFinished
	c.finishReason = reason
	c.finishedAt = now
}

// owns reports whether the order id belongs to one of this command's children.
func (c *Cmd) owns(orderID string) bool {
	_, ok := c.childVol[orderID]
	return ok
}

// Tick evaluates the command once and returns at most one action. Rules are
// checked in a fixed order: total timeout, completion, child order timeout,
// retry resubmission, then the next scheduled chunk. When allowSubmit is
// false (trading paused) no new child orders are produced but cancel
// timeouts still fire.
func (c *Cmd) Tick(now time.Time, allowSubmit bool) *Action {
	if c.status != StatusRunning {
		return nil
	}

	if c.cfg.TotalTimeout > 0 && now.Sub(c.startedAt) >= c.cfg.TotalTimeout {
		c.finish(ReasonTotalTimeout, now)
		return nil
	}

	if c.filledVolume >= c.cfg.Target {
		c.finish(ReasonAllCompleted, now)
		return nil
	}

	if c.pendingOrder != nil {
		if c.cancelRequested {
			return nil // waiting on the cancel to land
		}
		if c.cfg.OrderTimeout > 0 && now.Sub(c.pendingSince) >= c.cfg.OrderTimeout {
			id := c.pendingOrder.OrderID
			if c.retries[id] < c.cfg.MaxRetries {
				c.retries[id]++
				c.cancelRequested = true
				return &Action{CancelOrderID: id}
			}
		}
		return nil
	}

	if !allowSubmit {
		return nil
	}
	if c.cfg.OrderInterval > 0 && !c.lastSubmitAt.IsZero() &&
		now.Sub(c.lastSubmitAt) < c.cfg.OrderInterval {
		return nil
	}

	if c.retryVolume > 0 {
		vol := c.retryVolume
		if vol > c.cfg.MaxPerOrder {
			vol = c.cfg.MaxPerOrder
		}
		c.retryVolume -= vol
		return &Action{Submit: c.request(vol)}
	}

	if c.schedIdx < len(c.schedule) && !now.Before(c.schedule[c.schedIdx].ReadyAt) {
		vol := c.schedule[c.schedIdx].Volume
		c.schedIdx++
		return &Action{Submit: c.request(vol)}
	}
	return nil
}

func (c *Cmd) request(volume int) *types.OrderRequest {
	pt := types.PriceTypeLimit
	if c.cfg.Price == nil {
		pt = types.PriceTypeMarket
	}
	return &types.OrderRequest{
		Symbol:    c.cfg.Symbol,
		Exchange:  c.cfg.Exchange,
		Direction: c.cfg.Direction,
		Offset:    c.cfg.Offset,
		Volume:    volume,
		Price:     c.cfg.Price,
		PriceType: pt,
	}
}

// OnOrderSubmitted attaches a freshly accepted child order.
func (c *Cmd) OnOrderSubmitted(o types.Order, now time.Time) {
	if c.status == StatusFinished {
		return
	}
	c.childIDs = append(c.childIDs, o.OrderID)
	c.childVol[o.OrderID] = o.VolumeOriginal
	c.pendingOrder = &o
	c.pendingSince = now
	c.cancelRequested = false
	c.lastSubmitAt = now
}

// OnSubmitFailed restores the volume of a child request the gateway refused
// to accept so a later tick can retry it.
func (c *Cmd) OnSubmitFailed(volume int) {
	if c.status == StatusFinished {
		return
	}
	c.retryVolume += volume
}

// OnOrder folds a child order update into the command. Returns true when the
// command state changed.
func (c *Cmd) OnOrder(o types.Order, now time.Time) bool {
	if c.status == StatusFinished || !c.owns(o.OrderID) {
		return false
	}

	if o.Status == types.StatusRejected || (o.Active() && o.Rejectish()) {
		c.pendingOrder = nil
		c.cancelRequested = false
		c.finish(reasonRejectPrefix+o.StatusMsg, now)
		return true
	}

	if c.pendingOrder == nil || c.pendingOrder.OrderID != o.OrderID {
		return false
	}

	if o.Active() {
		c.pendingOrder = &o
		return true
	}

	// Child reached a terminal state. Unfilled remainder of a cancelled
	// child goes back into the retry pool.
	if left := o.VolumeLeft(); left > 0 && c.cancelRequested {
		c.retryVolume += left
	}
	c.pendingOrder = nil
	c.cancelRequested = false
	return true
}

// OnTrade counts a fill exactly once, clamped to the child's submitted
// volume and the parent target, and folds it into the running VWAP.
func (c *Cmd) OnTrade(tr types.Trade, now time.Time) bool {
	if c.status == StatusFinished || !c.owns(tr.OrderID) {
		return false
	}
	if _, seen := c.countedTrades[tr.TradeID]; seen {
		return false
	}
	c.countedTrades[tr.TradeID] = struct{}{}

	delta := tr.Volume
	if room := c.childVol[tr.OrderID] - c.countedByChild[tr.OrderID]; delta > room {
		delta = room
	}
	if room := c.cfg.Target - c.filledVolume; delta > room {
		delta = room
	}
	if delta <= 0 {
		return false
	}
	c.countedByChild[tr.OrderID] += delta
	c.filledVolume += delta
	c.filledNotional += tr.Price * float64(delta)

	if c.filledVolume >= c.cfg.Target {
		c.finish(ReasonAllCompleted, now)
	}
	return true
}

// View is the serializable snapshot pushed on every command change.
type View struct {
	CmdID        string          `json:"cmd_id"`
	SourceTag    string          `json:"source_tag,omitempty"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Direction    types.Direction `json:"direction"`
	Offset       types.Offset    `json:"offset"`
	TargetVolume int             `json:"target_volume"`
	Price        *float64        `json:"price"`
	Split        SplitStrategy   `json:"split"`
	Status       Status          `json:"status"`
	FinishReason string          `json:"finish_reason,omitempty"`
	FilledVolume int             `json:"filled_volume"`
	FilledPrice  float64         `json:"filled_price"`
	ChildOrders  []string        `json:"child_orders"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at,omitzero"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`
}

// Snapshot builds the current view of the command.
func (c *Cmd) Snapshot() View {
	children := make([]string, len(c.childIDs))
	copy(children, c.childIDs)
	return View{
		CmdID:        c.cfg.CmdID,
		SourceTag:    c.cfg.SourceTag,
		Symbol:       c.cfg.Symbol,
		Exchange:     c.cfg.Exchange,
		Direction:    c.cfg.Direction,
		Offset:       c.cfg.Offset,
		TargetVolume: c.cfg.Target,
		Price:        c.cfg.Price,
		Split:        c.cfg.Split,
		Status:       c.status,
		FinishReason: c.finishReason,
		FilledVolume: c.filledVolume,
		FilledPrice:  c.FilledPrice(),
		ChildOrders:  children,
		CreatedAt:    c.createdAt,
		StartedAt:    c.startedAt,
		FinishedAt:   c.finishedAt,
	}
}
