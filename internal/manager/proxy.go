package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/ipc"
	"github.com/csuduan/qtrader/internal/trader"
	"github.com/csuduan/qtrader/pkg/config"
)

// TraderState is the supervision state of one trader process as seen from
// the manager.
type TraderState string

const (
	StateStopped    TraderState = "stopped"
	StateConnecting TraderState = "connecting"
	StateConnected  TraderState = "connected"
)

// supervisePoll is the fixed supervision cadence. Deliberately not
// exponential: a trader coming back should be picked up within one poll.
const supervisePoll = 5 * time.Second

// pushTopicByMsgType maps push frame msg_type values back to bus topics so
// manager-level consumers see the same topic names as trader-local ones.
var pushTopicByMsgType = map[string]events.Topic{
	"account":        events.TopicAccountUpdate,
	"order":          events.TopicOrderUpdate,
	"trade":          events.TopicTradeCreated,
	"position":       events.TopicPositionUpdate,
	"account.status": events.TopicAccountStatus,
	"order_cmd":      events.TopicOrderCmdUpdate,
}

// accountEvent wraps a pushed payload with its owning account for
// manager-level consumers.
type accountEvent struct {
	AccountID string          `json:"account_id"`
	MsgType   string          `json:"msg_type"`
	Data      json.RawMessage `json:"data"`
}

// TraderProxy supervises one trader process: liveness checks, optional
// auto-spawn, the IPC client connection and heartbeat watchdog.
type TraderProxy struct {
	acct config.AccountConfig
	cfg  *config.Config
	bus  *events.Bus

	mu       sync.Mutex
	state    TraderState
	client   *ipc.Client
	attempts int

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTraderProxy builds a proxy; supervision starts with Start.
func NewTraderProxy(cfg *config.Config, acct config.AccountConfig, bus *events.Bus) *TraderProxy {
	return &TraderProxy{
		acct:  acct,
		cfg:   cfg,
		bus:   bus,
		state: StateStopped,
		done:  make(chan struct{}),
	}
}

func (p *TraderProxy) AccountID() string { return p.acct.AccountID }

// State returns the current supervision state.
func (p *TraderProxy) State() TraderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connected reports whether a live IPC session exists.
func (p *TraderProxy) Connected() bool {
	return p.State() == StateConnected
}

// Start launches the supervision loop. Idempotent against an already
// running trader process: spawning only happens when none exists.
func (p *TraderProxy) Start() {
	p.wg.Add(1)
	go p.superviseLoop()
}

// Stop ends supervision and closes the client connection. The trader
// process itself is left running; it has its own lifecycle.
func (p *TraderProxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		cli := p.client
		p.client = nil
		p.state = StateStopped
		p.mu.Unlock()
		if cli != nil {
			cli.Close()
		}
		p.wg.Wait()
	})
}

// superviseLoop runs the fixed 5s poll: process liveness, connection
// establishment and the heartbeat watchdog.
func (p *TraderProxy) superviseLoop() {
	defer p.wg.Done()
	p.poll() // immediate first pass
	ticker := time.NewTicker(supervisePoll)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *TraderProxy) poll() {
	id := p.acct.AccountID
	alive := p.processAlive()

	if !alive {
		p.dropClient("trader process not alive")
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		if p.cfg.AutoSpawn && p.acct.Enabled {
			p.spawn()
		}
		return
	}

	p.mu.Lock()
	cli := p.client
	p.mu.Unlock()

	if cli == nil {
		p.connect()
		return
	}

	// Heartbeat watchdog: a silent socket is as dead as a closed one.
	timeout := time.Duration(p.cfg.HeartbeatTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if time.Since(cli.LastHeartbeat()) > timeout {
		log.Printf("proxy %s: heartbeat timeout, forcing reconnect", id)
		p.dropClient("heartbeat timeout")
	}
}

// processAlive checks socket file + pid file + signal 0.
func (p *TraderProxy) processAlive() bool {
	sock := ipc.SocketPath(p.cfg.SocketDir, p.acct.AccountID)
	if _, err := os.Stat(sock); err != nil {
		return false
	}
	pid := trader.ReadPIDFile(ipc.PIDPath(p.cfg.SocketDir, p.acct.AccountID))
	return trader.PIDAlive(pid)
}

func (p *TraderProxy) connect() {
	id := p.acct.AccountID
	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()

	hb := time.Duration(p.cfg.HeartbeatSecs) * time.Second
	cli, err := ipc.Dial(
		ipc.SocketPath(p.cfg.SocketDir, id),
		p.onPush,
		func(err error) { p.dropClient(fmt.Sprintf("connection closed: %v", err)) },
		hb,
	)
	if err != nil {
		p.mu.Lock()
		p.attempts++
		n := p.attempts
		p.mu.Unlock()
		log.Printf("proxy %s: connect attempt %d: %v", id, n, err)
		return
	}

	p.mu.Lock()
	p.client = cli
	p.state = StateConnected
	p.attempts = 0
	p.mu.Unlock()
	log.Printf("proxy %s: connected", id)
}

// dropClient closes the current session and falls back to connecting so the
// next poll redials. Stopped is reserved for a gone process or an explicit
// Stop.
func (p *TraderProxy) dropClient(reason string) {
	p.mu.Lock()
	cli := p.client
	p.client = nil
	if p.state == StateConnected {
		p.state = StateConnecting
	}
	p.mu.Unlock()
	if cli != nil {
		log.Printf("proxy %s: dropping session: %s", p.acct.AccountID, reason)
		cli.Close()
	}
}

// spawn forks the trader sub-executable. Lifecycle is inferred from the pid
// and socket files, not from the child handle.
func (p *TraderProxy) spawn() {
	id := p.acct.AccountID
	bin := p.cfg.TraderBin
	if bin == "" {
		bin = "run_trader"
	}
	args := []string{"--account-id", id}
	if p.cfg.TraderDebug {
		args = append(args, "--debug")
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		log.Printf("proxy %s: spawn %s: %v", id, bin, err)
		return
	}
	log.Printf("proxy %s: spawned trader pid %d", id, cmd.Process.Pid)
	go func() { _ = cmd.Wait() }()
}

// onPush forwards trader pushes onto the manager bus under the trader-local
// topic name, wrapped with the owning account id.
func (p *TraderProxy) onPush(msgType string, data json.RawMessage) {
	topic, ok := pushTopicByMsgType[msgType]
	if !ok {
		return
	}
	p.bus.Publish(topic, accountEvent{
		AccountID: p.acct.AccountID,
		MsgType:   msgType,
		Data:      data,
	})
}

// Request forwards one typed request to the trader. The out parameter, when
// non-nil, receives the decoded response data.
func (p *TraderProxy) Request(ctx context.Context, requestType string, payload any, out any) error {
	p.mu.Lock()
	cli := p.client
	p.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("account %s: trader not connected", p.acct.AccountID)
	}

	timeout := time.Duration(p.cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	raw, err := cli.Request(ctx, requestType, payload, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("account %s: decode %s response: %w", p.acct.AccountID, requestType, err)
	}
	return nil
}

// Status summarizes the proxy for the API layer.
type ProxyStatus struct {
	AccountID string      `json:"account_id"`
	Enabled   bool        `json:"enabled"`
	State     TraderState `json:"state"`
	Gateway   string      `json:"gateway"`
}

func (p *TraderProxy) Status() ProxyStatus {
	return ProxyStatus{
		AccountID: p.acct.AccountID,
		Enabled:   p.acct.Enabled,
		State:     p.State(),
		Gateway:   p.acct.Gateway,
	}
}
