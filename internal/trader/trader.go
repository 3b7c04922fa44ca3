package trader

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/gateway"
	"github.com/csuduan/qtrader/internal/ipc"
	"github.com/csuduan/qtrader/internal/ordercmd"
	"github.com/csuduan/qtrader/internal/risk"
	"github.com/csuduan/qtrader/internal/strategy"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/db"
	"github.com/csuduan/qtrader/pkg/types"
)

const connectAttempts = 3

// pushTopics maps whitelisted bus topics to their push frame msg_type. Ticks
// are deliberately absent: too high volume for the manager channel.
var pushTopics = map[events.Topic]string{
	events.TopicAccountUpdate:  "account",
	events.TopicOrderUpdate:    "order",
	events.TopicTradeCreated:   "trade",
	events.TopicPositionUpdate: "position",
	events.TopicAccountStatus:  "account.status",
	events.TopicOrderCmdUpdate: "order_cmd",
}

// Job describes one background task inside the trader, for diagnostics.
type Job struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Trader is the per-account process assembly: gateway, event bus, order
// command executor, strategy harness and IPC server.
type Trader struct {
	accountID string
	cfg       *config.Config
	acct      config.AccountConfig

	bus     *events.Bus
	gw      gateway.Gateway
	exec    *ordercmd.Executor
	harness *strategy.Harness
	server  *ipc.Server
	checker *risk.Checker
	store   *db.Database

	pidPath  string
	sockPath string

	startedAt time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	fatal     chan error
	stopOnce  sync.Once
}

// New assembles a trader for one account. Nothing runs until Start.
func New(cfg *config.Config, acct config.AccountConfig, strategies []config.StrategyConfig) (*Trader, error) {
	gw, err := gateway.New(acct.Gateway, gateway.Config{
		AccountID:  acct.AccountID,
		BrokerName: acct.BrokerName,
		Currency:   acct.Currency,
		Symbols:    acct.Symbols,
	})
	if err != nil {
		return nil, err
	}

	store, err := db.New(filepath.Join(cfg.DataDir, "qtrader_"+acct.AccountID+".db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.ApplyMigrations(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	bus := events.NewBus()
	exec := ordercmd.NewExecutor(gw, bus, store)
	harness, err := strategy.NewHarness(gw, bus, exec, store, strategies)
	if err != nil {
		store.Close()
		return nil, err
	}

	t := &Trader{
		accountID: acct.AccountID,
		cfg:       cfg,
		acct:      acct,
		bus:       bus,
		gw:        gw,
		exec:      exec,
		harness:   harness,
		server:    ipc.NewServer(ipc.SocketPath(cfg.SocketDir, acct.AccountID)),
		checker: risk.NewChecker(risk.Limits{
			MaxDailyOrders:  cfg.MaxDailyOrders,
			MaxDailyCancels: cfg.MaxDailyCancels,
			MaxOrderVolume:  cfg.MaxOrderVolume,
			OrdersPerSecond: cfg.OrdersPerSecond,
			OrderBurst:      cfg.OrderBurst,
		}),
		store:    store,
		pidPath:  ipc.PIDPath(cfg.SocketDir, acct.AccountID),
		sockPath: ipc.SocketPath(cfg.SocketDir, acct.AccountID),
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
	t.registerHandlers()
	return t, nil
}

// Start claims the pid file, wires the pipelines and brings the trader up.
// The gateway connects in the background; connect exhaustion is fatal.
func (t *Trader) Start() error {
	if err := WritePIDFile(t.pidPath); err != nil {
		return err
	}
	t.startedAt = time.Now()

	t.wireGateway()
	t.wirePersistence()
	t.wirePush()
	t.bus.Register(events.TopicSystemError, func(_ events.Topic, payload any) {
		if se, ok := payload.(events.SystemError); ok {
			log.Printf("trader %s: system error [%s] %s", t.accountID, se.Component, se.Message)
		}
	})
	t.bus.Start()
	t.exec.Start()

	if err := t.server.Start(); err != nil {
		RemovePIDFile(t.pidPath)
		return err
	}

	t.wg.Add(2)
	go t.connectLoop()
	go t.heartbeatLoop()

	log.Printf("trader %s: started (pid file %s)", t.accountID, t.pidPath)
	return nil
}

// Wait blocks until Stop is called or a fatal error occurs.
func (t *Trader) Wait() error {
	select {
	case err := <-t.fatal:
		return err
	case <-t.done:
		return nil
	}
}

// Stop tears the trader down in dependency order and removes its files.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() {
		log.Printf("trader %s: stopping", t.accountID)
		close(t.done)
		t.server.Stop()
		t.exec.Stop()
		t.harness.Stop()
		if err := t.gw.Disconnect(); err != nil {
			log.Printf("trader %s: gateway disconnect: %v", t.accountID, err)
		}
		t.bus.Stop(2 * time.Second)
		t.wg.Wait()
		t.store.Close()
		RemovePIDFile(t.pidPath)
		log.Printf("trader %s: stopped", t.accountID)
	})
}

// wireGateway republishes gateway callbacks onto the event bus.
func (t *Trader) wireGateway() {
	t.gw.RegisterCallbacks(gateway.Callbacks{
		OnTick:     func(tk types.Tick) { t.bus.Publish(events.TopicTickUpdate, tk) },
		OnBar:      func(b types.Bar) { t.bus.Publish(events.TopicKlineUpdate, b) },
		OnOrder:    func(o types.Order) { t.bus.Publish(events.TopicOrderUpdate, o) },
		OnTrade:    func(tr types.Trade) { t.bus.Publish(events.TopicTradeCreated, tr) },
		OnPosition: func(p types.Position) { t.bus.Publish(events.TopicPositionUpdate, p) },
		OnAccount:  func(a types.Account) { t.bus.Publish(events.TopicAccountUpdate, a) },
	})
}

// wirePersistence journals orders and trades off the bus.
func (t *Trader) wirePersistence() {
	t.bus.Register(events.TopicOrderUpdate, func(_ events.Topic, payload any) {
		o, ok := payload.(types.Order)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.store.UpsertOrder(ctx, o); err != nil {
			log.Printf("trader %s: persist order %s: %v", t.accountID, o.OrderID, err)
		}
	})
	t.bus.Register(events.TopicTradeCreated, func(_ events.Topic, payload any) {
		tr, ok := payload.(types.Trade)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.store.CreateTrade(ctx, tr); err != nil {
			log.Printf("trader %s: persist trade %s: %v", t.accountID, tr.TradeID, err)
		}
	})
}

// wirePush forwards whitelisted bus topics to the IPC client as push frames.
func (t *Trader) wirePush() {
	for topic, msgType := range pushTopics {
		mt := msgType
		t.bus.Register(topic, func(_ events.Topic, payload any) {
			t.server.Push(mt, payload)
		})
	}
}

// connectLoop brings the gateway up with bounded retries, then initializes
// strategies for the current trading day. Exhaustion is fatal to the process.
func (t *Trader) connectLoop() {
	defer t.wg.Done()
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		lastErr = t.gw.Connect(ctx)
		cancel()
		if lastErr == nil {
			t.bus.Publish(events.TopicAccountStatus, types.AccountStatus{
				AccountID: t.accountID, Connected: true,
			})
			if len(t.acct.Symbols) > 0 {
				if err := t.gw.Subscribe(t.acct.Symbols); err != nil {
					log.Printf("trader %s: initial subscribe: %v", t.accountID, err)
				}
			}
			t.harness.Start(t.gw.GetTradingDay())
			return
		}
		log.Printf("trader %s: gateway connect attempt %d/%d: %v",
			t.accountID, attempt, connectAttempts, lastErr)
		select {
		case <-t.done:
			return
		case <-time.After(5 * time.Second):
		}
	}
	t.bus.Publish(events.TopicAccountStatus, types.AccountStatus{
		AccountID: t.accountID, Connected: false, Message: lastErr.Error(),
	})
	t.bus.Publish(events.TopicSystemError, events.SystemError{
		Component: "gateway", Message: lastErr.Error(),
	})
	select {
	case t.fatal <- fmt.Errorf("gateway connect failed after %d attempts: %w", connectAttempts, lastErr):
	default:
	}
}

// heartbeatLoop emits a heartbeat frame to the manager on a fixed cadence.
func (t *Trader) heartbeatLoop() {
	defer t.wg.Done()
	interval := time.Duration(t.cfg.HeartbeatSecs) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.server.Heartbeat(now)
		}
	}
}

// jobs reports the trader's background tasks.
func (t *Trader) jobs() []Job {
	status := func(ok bool) string {
		if ok {
			return "running"
		}
		return "stopped"
	}
	return []Job{
		{Name: "heartbeat", Status: status(true), StartedAt: t.startedAt},
		{Name: "executor", Status: status(!t.exec.Paused()), StartedAt: t.startedAt},
		{Name: "gateway", Status: status(t.gw.Connected()), StartedAt: t.startedAt},
	}
}
