package ordercmd

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/gateway"
	"github.com/csuduan/qtrader/pkg/db"
	"github.com/csuduan/qtrader/pkg/types"
)

// tickEvery is the executor decision loop period.
const tickEvery = 100 * time.Millisecond

// Executor owns the live order commands: it ticks them on a fixed cadence,
// routes their child order and trade events, submits and cancels through the
// gateway and archives terminal commands.
type Executor struct {
	gw    gateway.Gateway
	bus   *events.Bus
	store *db.Database // nil disables archival

	mu      sync.Mutex
	live    map[string]*Cmd
	done    map[string]*Cmd
	byChild map[string]string // child order id -> cmd id
	paused  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewExecutor wires an executor to its gateway, bus and optional archive.
func NewExecutor(gw gateway.Gateway, bus *events.Bus, store *db.Database) *Executor {
	e := &Executor{
		gw:      gw,
		bus:     bus,
		store:   store,
		live:    make(map[string]*Cmd),
		done:    make(map[string]*Cmd),
		byChild: make(map[string]string),
		stop:    make(chan struct{}),
	}
	bus.Register(events.TopicOrderUpdate, e.onOrderEvent)
	bus.Register(events.TopicTradeCreated, e.onTradeEvent)
	return e
}

// Start launches the decision loop.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the loop. Live commands keep their state; pending child orders
// are left to the gateway.
func (e *Executor) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// Pause suspends new child submissions. Cancel timeouts still fire so no
// child order outlives its window while trading is paused.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Printf("executor: trading paused")
}

// Resume re-enables child submissions.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Printf("executor: trading resumed")
}

// Paused reports whether submissions are suspended.
func (e *Executor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Register accepts a new command, subscribes its symbol and starts ticking
// it. The first evaluation happens on the next loop iteration.
func (e *Executor) Register(c *Cmd) {
	now := time.Now()
	if err := e.gw.Subscribe([]string{types.StdSymbol(c.cfg.Symbol, c.cfg.Exchange)}); err != nil {
		log.Printf("executor: subscribe %s for cmd %s: %v", c.cfg.Symbol, c.ID(), err)
	}
	c.Register(now)

	e.mu.Lock()
	e.live[c.ID()] = c
	view := c.Snapshot()
	e.mu.Unlock()

	log.Printf("executor: registered cmd %s %s %s %d@%s",
		c.ID(), c.cfg.Direction, c.cfg.Symbol, c.cfg.Target, c.cfg.Split)
	e.bus.Publish(events.TopicOrderCmdUpdate, view)
}

// Close cancels a live command. Its in-flight child order, if any, gets a
// best-effort gateway cancel.
func (e *Executor) Close(cmdID string) bool {
	now := time.Now()
	e.mu.Lock()
	c, ok := e.live[cmdID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	var cancelID string
	if c.pendingOrder != nil {
		cancelID = c.pendingOrder.OrderID
	}
	c.Close(ReasonCancelled, now)
	e.mu.Unlock()

	if cancelID != "" {
		if err := e.gw.CancelOrder(cancelID); err != nil {
			log.Printf("executor: cancel child %s of closed cmd %s: %v", cancelID, cmdID, err)
		}
	}
	e.reap(cmdID)
	return true
}

// GetCmd returns the view of a live or archived command.
func (e *Executor) GetCmd(cmdID string) (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.live[cmdID]; ok {
		return c.Snapshot(), true
	}
	if c, ok := e.done[cmdID]; ok {
		return c.Snapshot(), true
	}
	return View{}, false
}

// ListCmds returns every known command, live first.
func (e *Executor) ListCmds() []View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]View, 0, len(e.live)+len(e.done))
	for _, c := range e.live {
		out = append(out, c.Snapshot())
	}
	for _, c := range e.done {
		out = append(out, c.Snapshot())
	}
	return out
}

func (e *Executor) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.tickAll(now)
		}
	}
}

func (e *Executor) tickAll(now time.Time) {
	type pendingAction struct {
		cmd    *Cmd
		action *Action
	}

	e.mu.Lock()
	paused := e.paused
	var acts []pendingAction
	var finished []string
	for id, c := range e.live {
		a := c.Tick(now, !paused)
		if a != nil {
			acts = append(acts, pendingAction{cmd: c, action: a})
		}
		if c.Finished() {
			finished = append(finished, id)
		}
	}
	e.mu.Unlock()

	for _, pa := range acts {
		e.perform(pa.cmd, pa.action, now)
	}
	for _, id := range finished {
		e.reap(id)
	}
}

// perform executes one submitted action outside the executor lock.
func (e *Executor) perform(c *Cmd, a *Action, now time.Time) {
	switch {
	case a.Submit != nil:
		o, err := e.gw.SendOrder(*a.Submit)
		e.mu.Lock()
		if err != nil {
			c.OnSubmitFailed(a.Submit.Volume)
			e.mu.Unlock()
			log.Printf("executor: cmd %s submit %d failed: %v", c.ID(), a.Submit.Volume, err)
			e.bus.Publish(events.TopicSystemError, events.SystemError{
				Component: "executor",
				Message:   fmt.Sprintf("cmd %s submit %d: %v", c.ID(), a.Submit.Volume, err),
			})
			return
		}
		c.OnOrderSubmitted(o, now)
		e.byChild[o.OrderID] = c.ID()
		view := c.Snapshot()
		e.mu.Unlock()
		log.Printf("executor: cmd %s submitted child %s vol %d", c.ID(), o.OrderID, o.VolumeOriginal)
		e.bus.Publish(events.TopicOrderCmdUpdate, view)

	case a.CancelOrderID != "":
		if err := e.gw.CancelOrder(a.CancelOrderID); err != nil {
			log.Printf("executor: cmd %s cancel child %s: %v", c.ID(), a.CancelOrderID, err)
		} else {
			log.Printf("executor: cmd %s cancelled timed-out child %s", c.ID(), a.CancelOrderID)
		}
	}
}

func (e *Executor) onOrderEvent(_ events.Topic, payload any) {
	o, ok := payload.(types.Order)
	if !ok {
		return
	}
	now := time.Now()
	e.mu.Lock()
	cmdID, ok := e.byChild[o.OrderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	c, ok := e.live[cmdID]
	if !ok {
		e.mu.Unlock()
		return
	}
	changed := c.OnOrder(o, now)
	var view View
	if changed {
		view = c.Snapshot()
	}
	fin := c.Finished()
	e.mu.Unlock()

	if changed {
		e.bus.Publish(events.TopicOrderCmdUpdate, view)
	}
	if fin {
		e.reap(cmdID)
	}
}

func (e *Executor) onTradeEvent(_ events.Topic, payload any) {
	tr, ok := payload.(types.Trade)
	if !ok {
		return
	}
	now := time.Now()
	e.mu.Lock()
	cmdID, ok := e.byChild[tr.OrderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	c, ok := e.live[cmdID]
	if !ok {
		e.mu.Unlock()
		return
	}
	changed := c.OnTrade(tr, now)
	var view View
	if changed {
		view = c.Snapshot()
	}
	fin := c.Finished()
	e.mu.Unlock()

	if changed {
		e.bus.Publish(events.TopicOrderCmdUpdate, view)
	}
	if fin {
		e.reap(cmdID)
	}
}

// reap moves a terminal command out of the live set, archives it and pushes
// its final view.
func (e *Executor) reap(cmdID string) {
	e.mu.Lock()
	c, ok := e.live[cmdID]
	if !ok || !c.Finished() {
		e.mu.Unlock()
		return
	}
	delete(e.live, cmdID)
	e.done[cmdID] = c
	view := c.Snapshot()
	e.mu.Unlock()

	log.Printf("executor: cmd %s finished: %s filled %d/%d avg %.2f",
		cmdID, view.FinishReason, view.FilledVolume, view.TargetVolume, view.FilledPrice)
	e.bus.Publish(events.TopicOrderCmdUpdate, view)

	if e.store != nil {
		rec := db.OrderCmdRecord{
			CmdID:         view.CmdID,
			SourceTag:     view.SourceTag,
			Symbol:        view.Symbol,
			Direction:     string(view.Direction),
			Offset:        string(view.Offset),
			TargetVolume:  view.TargetVolume,
			FilledVolume:  view.FilledVolume,
			FilledPrice:   view.FilledPrice,
			Status:        string(view.Status),
			FinishReason:  view.FinishReason,
			ChildOrderIDs: view.ChildOrders,
			CreatedAt:     view.CreatedAt,
			StartedAt:     view.StartedAt,
			FinishedAt:    view.FinishedAt,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.store.SaveOrderCmd(ctx, rec); err != nil {
			log.Printf("executor: archive cmd %s: %v", cmdID, err)
		}
	}
}
