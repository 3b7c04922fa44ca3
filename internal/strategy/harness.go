package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/gateway"
	"github.com/csuduan/qtrader/internal/ordercmd"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/db"
	"github.com/csuduan/qtrader/pkg/types"
)

// SourceTagPrefix marks order commands issued through the harness.
const SourceTagPrefix = "strategy:"

// Status is the externally visible snapshot of one strategy instance.
type Status struct {
	StrategyID    string         `json:"strategy_id"`
	Class         string         `json:"class"`
	Symbol        string         `json:"symbol"`
	Exchange      string         `json:"exchange"`
	Interval      string         `json:"interval"`
	Enabled       bool           `json:"enabled"`
	OpeningPaused bool           `json:"opening_paused"`
	ClosingPaused bool           `json:"closing_paused"`
	PosLong       int            `json:"pos_long"`
	PosShort      int            `json:"pos_short"`
	PendingCmdID  string         `json:"pending_cmd_id,omitempty"`
	TradingDay    string         `json:"trading_day"`
	Params        map[string]any `json:"params"`
}

// persistedState is the durable slice of a runner, saved across restarts.
type persistedState struct {
	PosLong       int  `json:"pos_long"`
	PosShort      int  `json:"pos_short"`
	OpeningPaused bool `json:"opening_paused"`
	ClosingPaused bool `json:"closing_paused"`
}

type runner struct {
	cfg   config.StrategyConfig
	strat Strategy

	enabled       bool
	openingPaused bool
	closingPaused bool
	posLong       int
	posShort      int
	pendingCmdID  string
}

// Harness owns the strategy instances: it routes symbol-filtered bus events
// to them, mediates their order command submissions and tracks per-strategy
// position tallies.
type Harness struct {
	gw    gateway.Gateway
	bus   *events.Bus
	exec  *ordercmd.Executor
	store *db.Database // nil disables state persistence

	mu         sync.RWMutex
	runners    map[string]*runner
	tradingDay string
}

// NewHarness instantiates every catalog entry and wires the bus handlers.
// Strategies stay disabled until Start replays their history.
func NewHarness(gw gateway.Gateway, bus *events.Bus, exec *ordercmd.Executor,
	store *db.Database, cfgs []config.StrategyConfig) (*Harness, error) {

	h := &Harness{
		gw:      gw,
		bus:     bus,
		exec:    exec,
		store:   store,
		runners: make(map[string]*runner),
	}
	for _, cfg := range cfgs {
		strat, err := NewByClass(cfg.Class, cfg, h)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", cfg.StrategyID, err)
		}
		h.runners[cfg.StrategyID] = &runner{cfg: cfg, strat: strat}
	}

	bus.Register(events.TopicTickUpdate, h.onTick)
	bus.Register(events.TopicKlineUpdate, h.onBar)
	bus.Register(events.TopicOrderUpdate, h.onOrder)
	bus.Register(events.TopicTradeCreated, h.onTrade)
	bus.Register(events.TopicOrderCmdUpdate, h.onCmdUpdate)
	return h, nil
}

// Start initializes every strategy for the trading day: restore persisted
// state, run init, replay preloaded bars in time order, then enable the ones
// the catalog marks enabled. Dispatch stays off during replay.
func (h *Harness) Start(tradingDay string) {
	h.mu.Lock()
	h.tradingDay = tradingDay
	ids := make([]string, 0, len(h.runners))
	for id := range h.runners {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := h.initRunner(id, tradingDay); err != nil {
			log.Printf("harness: init strategy %s: %v", id, err)
			continue
		}
		h.mu.Lock()
		r := h.runners[id]
		r.enabled = r.cfg.Enabled
		h.mu.Unlock()
	}
	log.Printf("harness: started %d strategies for trading day %s", len(ids), tradingDay)
}

// Stop disables dispatch for every strategy and persists their state.
func (h *Harness) Stop() {
	h.mu.Lock()
	for _, r := range h.runners {
		r.enabled = false
	}
	h.mu.Unlock()
	h.persistAll()
}

// RolloverDay re-initializes all strategies for a new trading day.
func (h *Harness) RolloverDay(tradingDay string) {
	h.mu.RLock()
	same := h.tradingDay == tradingDay
	h.mu.RUnlock()
	if same {
		return
	}
	log.Printf("harness: trading day rollover to %s", tradingDay)
	h.Start(tradingDay)
}

// initRunner restores state, runs the strategy init and replays bars. The
// runner is disabled for the duration so replayed bars cannot trade.
func (h *Harness) initRunner(id, tradingDay string) error {
	h.mu.Lock()
	r, ok := h.runners[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown strategy %s", id)
	}
	r.enabled = false
	h.mu.Unlock()

	h.restoreState(r)

	if err := r.strat.Init(tradingDay); err != nil {
		return err
	}

	if r.cfg.PreloadBars > 0 && r.cfg.Interval != "" {
		std := types.StdSymbol(r.cfg.Symbol, r.cfg.Exchange)
		interval := types.Interval(r.cfg.Interval)
		if err := h.gw.SubscribeBars(std, interval); err != nil {
			log.Printf("harness: subscribe bars %s %s: %v", std, interval, err)
		}
		bars := h.gw.GetKline(std, interval, r.cfg.PreloadBars)
		for _, b := range bars {
			r.strat.OnBar(b)
		}
		if len(bars) > 0 {
			log.Printf("harness: replayed %d %s bars into %s", len(bars), interval, id)
		}
	}
	return nil
}

// Submit implements Trader: it stamps and registers an order command on
// behalf of a strategy, enforcing the per-offset pause flags and the
// one-pending-command rule.
func (h *Harness) Submit(strategyID string, cfg ordercmd.Config) (string, error) {
	h.mu.Lock()
	r, ok := h.runners[strategyID]
	if !ok {
		h.mu.Unlock()
		return "", fmt.Errorf("unknown strategy %s", strategyID)
	}
	if !r.enabled {
		h.mu.Unlock()
		return "", fmt.Errorf("strategy %s disabled", strategyID)
	}
	isClose := cfg.Offset.IsClose()
	if !isClose && r.openingPaused {
		h.mu.Unlock()
		return "", fmt.Errorf("strategy %s: opening paused", strategyID)
	}
	if isClose && r.closingPaused {
		h.mu.Unlock()
		return "", fmt.Errorf("strategy %s: closing paused", strategyID)
	}
	if r.pendingCmdID != "" {
		h.mu.Unlock()
		return "", fmt.Errorf("strategy %s: cmd %s still pending", strategyID, r.pendingCmdID)
	}

	cfg.CmdID = uuid.NewString()
	cfg.SourceTag = SourceTagPrefix + strategyID
	if cfg.Symbol == "" {
		cfg.Symbol = r.cfg.Symbol
		cfg.Exchange = r.cfg.Exchange
	}
	r.pendingCmdID = cfg.CmdID
	h.mu.Unlock()

	c, err := ordercmd.New(cfg, time.Now())
	if err != nil {
		h.mu.Lock()
		r.pendingCmdID = ""
		h.mu.Unlock()
		return "", err
	}
	h.exec.Register(c)
	log.Printf("harness: strategy %s submitted cmd %s %s %s %d",
		strategyID, cfg.CmdID, cfg.Direction, cfg.Symbol, cfg.Target)
	return cfg.CmdID, nil
}

func (h *Harness) onTick(_ events.Topic, payload any) {
	tick, ok := payload.(types.Tick)
	if !ok {
		return
	}
	for _, r := range h.matching(tick.Symbol) {
		r.strat.OnTick(tick)
	}
}

func (h *Harness) onBar(_ events.Topic, payload any) {
	bar, ok := payload.(types.Bar)
	if !ok {
		return
	}
	h.mu.RLock()
	var targets []*runner
	for _, r := range h.runners {
		if r.enabled && r.cfg.Symbol == bar.Symbol &&
			types.Interval(r.cfg.Interval) == bar.Interval {
			targets = append(targets, r)
		}
	}
	h.mu.RUnlock()
	for _, r := range targets {
		r.strat.OnBar(bar)
	}
}

func (h *Harness) onOrder(_ events.Topic, payload any) {
	o, ok := payload.(types.Order)
	if !ok {
		return
	}
	for _, r := range h.matching(o.Symbol) {
		r.strat.OnOrder(o)
	}
}

func (h *Harness) onTrade(_ events.Topic, payload any) {
	tr, ok := payload.(types.Trade)
	if !ok {
		return
	}
	for _, r := range h.matching(tr.Symbol) {
		r.strat.OnTrade(tr)
	}
}

func (h *Harness) matching(symbol string) []*runner {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*runner
	for _, r := range h.runners {
		if r.enabled && r.cfg.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}

// onCmdUpdate settles a strategy's pending command when its view goes
// terminal: fold the filled volume into the position tally and pause the
// offending offset on a rejection.
func (h *Harness) onCmdUpdate(_ events.Topic, payload any) {
	v, ok := payload.(ordercmd.View)
	if !ok || v.Status != ordercmd.StatusFinished {
		return
	}
	id, ok := strings.CutPrefix(v.SourceTag, SourceTagPrefix)
	if !ok {
		return
	}

	h.mu.Lock()
	r, exists := h.runners[id]
	if !exists || r.pendingCmdID != v.CmdID {
		h.mu.Unlock()
		return
	}
	r.pendingCmdID = ""

	isClose := v.Offset.IsClose()
	longLeg := (v.Direction == types.DirectionSell) == isClose
	delta := v.FilledVolume
	if isClose {
		delta = -delta
	}
	if longLeg {
		r.posLong += delta
	} else {
		r.posShort += delta
	}

	if strings.HasPrefix(v.FinishReason, "rejected:") {
		if isClose {
			r.closingPaused = true
		} else {
			r.openingPaused = true
		}
		log.Printf("harness: strategy %s paused (%s) after %s", id, v.Offset, v.FinishReason)
	}
	h.mu.Unlock()

	h.persist(id)
}

// Admin surface, reached through the IPC request handlers.

// List returns every strategy status, sorted by id.
func (h *Harness) List() []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Status, 0, len(h.runners))
	for _, r := range h.runners {
		out = append(out, h.statusLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Get returns one strategy status.
func (h *Harness) Get(id string) (Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.runners[id]
	if !ok {
		return Status{}, false
	}
	return h.statusLocked(r), true
}

func (h *Harness) statusLocked(r *runner) Status {
	return Status{
		StrategyID:    r.cfg.StrategyID,
		Class:         r.cfg.Class,
		Symbol:        r.cfg.Symbol,
		Exchange:      r.cfg.Exchange,
		Interval:      r.cfg.Interval,
		Enabled:       r.enabled,
		OpeningPaused: r.openingPaused,
		ClosingPaused: r.closingPaused,
		PosLong:       r.posLong,
		PosShort:      r.posShort,
		PendingCmdID:  r.pendingCmdID,
		TradingDay:    h.tradingDay,
		Params:        r.strat.GetParams(),
	}
}

// SetEnabled turns dispatch on or off for one strategy.
func (h *Harness) SetEnabled(id string, enabled bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runners[id]
	if !ok {
		return false
	}
	r.enabled = enabled
	log.Printf("harness: strategy %s enabled=%v", id, enabled)
	return true
}

// SetAllEnabled turns dispatch on or off for every strategy.
func (h *Harness) SetAllEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.runners {
		r.enabled = enabled
	}
	log.Printf("harness: all strategies enabled=%v", enabled)
}

// PauseAllTrading raises both pause flags everywhere. Used when the gateway
// drops so strategies stop opening or closing until an operator intervenes.
func (h *Harness) PauseAllTrading() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.runners {
		r.openingPaused = true
		r.closingPaused = true
	}
}

// Reinit re-runs one strategy's init and bar replay.
func (h *Harness) Reinit(id string) error {
	h.mu.RLock()
	day := h.tradingDay
	h.mu.RUnlock()
	if err := h.initRunner(id, day); err != nil {
		return err
	}
	h.mu.Lock()
	if r, ok := h.runners[id]; ok {
		r.enabled = r.cfg.Enabled
	}
	h.mu.Unlock()
	return nil
}

// UpdateParams applies a runtime parameter patch.
func (h *Harness) UpdateParams(id string, params map[string]any) error {
	h.mu.RLock()
	r, ok := h.runners[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %s", id)
	}
	return r.strat.UpdateParams(params)
}

// ReloadParams re-applies the catalog parameters, discarding runtime patches.
func (h *Harness) ReloadParams(id string) error {
	h.mu.RLock()
	r, ok := h.runners[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %s", id)
	}
	return r.strat.UpdateParams(r.cfg.Params)
}

// UpdateSignal forwards an external signal to a strategy that accepts them.
func (h *Harness) UpdateSignal(id string, signal map[string]any) error {
	h.mu.RLock()
	r, ok := h.runners[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %s", id)
	}
	s, ok := r.strat.(Signaler)
	if !ok {
		return fmt.Errorf("strategy %s does not accept signals", id)
	}
	return s.UpdateSignal(signal)
}

// SetTradingStatus sets the per-offset pause flags and returns the new status.
func (h *Harness) SetTradingStatus(id string, openingPaused, closingPaused bool) (Status, error) {
	h.mu.Lock()
	r, ok := h.runners[id]
	if !ok {
		h.mu.Unlock()
		return Status{}, fmt.Errorf("unknown strategy %s", id)
	}
	r.openingPaused = openingPaused
	r.closingPaused = closingPaused
	st := h.statusLocked(r)
	h.mu.Unlock()

	h.persist(id)
	return st, nil
}

// OrderCmds returns the commands a strategy has issued, optionally filtered
// by status.
func (h *Harness) OrderCmds(id string, status string) []ordercmd.View {
	tag := SourceTagPrefix + id
	var out []ordercmd.View
	for _, v := range h.exec.ListCmds() {
		if v.SourceTag != tag {
			continue
		}
		if status != "" && string(v.Status) != status {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (h *Harness) restoreState(r *runner) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := h.store.LoadStrategyState(ctx, r.cfg.StrategyID)
	if err != nil {
		log.Printf("harness: load state %s: %v", r.cfg.StrategyID, err)
		return
	}
	if raw == nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Printf("harness: decode state %s: %v", r.cfg.StrategyID, err)
		return
	}
	h.mu.Lock()
	r.posLong = st.PosLong
	r.posShort = st.PosShort
	r.openingPaused = st.OpeningPaused
	r.closingPaused = st.ClosingPaused
	h.mu.Unlock()
}

func (h *Harness) persist(id string) {
	if h.store == nil {
		return
	}
	h.mu.RLock()
	r, ok := h.runners[id]
	if !ok {
		h.mu.RUnlock()
		return
	}
	st := persistedState{
		PosLong:       r.posLong,
		PosShort:      r.posShort,
		OpeningPaused: r.openingPaused,
		ClosingPaused: r.closingPaused,
	}
	h.mu.RUnlock()

	raw, _ := json.Marshal(st)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.store.SaveStrategyState(ctx, id, raw); err != nil {
		log.Printf("harness: save state %s: %v", id, err)
	}
}

func (h *Harness) persistAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.runners))
	for id := range h.runners {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.persist(id)
	}
}
