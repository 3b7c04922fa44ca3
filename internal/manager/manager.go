package manager

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/types"
)

// Proxy is the manager's handle on one supervised trader. *TraderProxy is
// the production implementation.
type Proxy interface {
	AccountID() string
	Start()
	Stop()
	State() TraderState
	Status() ProxyStatus
	Connected() bool
	Request(ctx context.Context, requestType string, payload any, out any) error
}

// proxyFactory builds a proxy for an account; swapped in tests.
type proxyFactory func(cfg *config.Config, acct config.AccountConfig, bus *events.Bus) Proxy

// Manager holds one proxy per configured account and fans queries out to
// them. No caching here: the authoritative state lives in each trader.
type Manager struct {
	cfg      *config.Config
	bus      *events.Bus
	accounts []config.AccountConfig
	factory  proxyFactory

	mu      sync.RWMutex
	proxies map[string]Proxy
}

// New builds a manager for the account catalog. Nothing runs until Start.
func New(cfg *config.Config, accounts []config.AccountConfig, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		accounts: accounts,
		factory: func(cfg *config.Config, acct config.AccountConfig, bus *events.Bus) Proxy {
			return NewTraderProxy(cfg, acct, bus)
		},
		proxies: make(map[string]Proxy),
	}
}

// Start constructs every proxy and begins supervision for enabled accounts.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.accounts {
		p := m.factory(m.cfg, acct, m.bus)
		m.proxies[acct.AccountID] = p
		if acct.Enabled {
			p.Start()
		}
	}
	log.Printf("manager: supervising %d accounts", len(m.proxies))
}

// Stop ends supervision for every proxy.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.proxies {
		p.Stop()
	}
	log.Printf("manager: stopped")
}

// StartAccount (re)starts supervision for one account. A stopped proxy is
// rebuilt because its lifecycle channel is single-use.
func (m *Manager) StartAccount(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := config.FindAccount(m.accounts, accountID)
	if acct == nil {
		return fmt.Errorf("unknown account %s", accountID)
	}
	if old, ok := m.proxies[accountID]; ok {
		old.Stop()
	}
	p := m.factory(m.cfg, *acct, m.bus)
	m.proxies[accountID] = p
	p.Start()
	return nil
}

// StopAccount ends supervision for one account.
func (m *Manager) StopAccount(accountID string) error {
	m.mu.RLock()
	p, ok := m.proxies[accountID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	p.Stop()
	return nil
}

// RestartAccount bounces supervision for one account.
func (m *Manager) RestartAccount(accountID string) error {
	if err := m.StopAccount(accountID); err != nil {
		return err
	}
	return m.StartAccount(accountID)
}

// proxy returns the handle for one account.
func (m *Manager) proxy(accountID string) (Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}
	return p, nil
}

// connectedProxies returns the live handles sorted by account id, so merged
// results are deterministic.
func (m *Manager) connectedProxies() []Proxy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		if p.Connected() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID() < out[j].AccountID() })
	return out
}

// ListTraders reports every proxy's supervision status.
func (m *Manager) ListTraders() []ProxyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProxyStatus, 0, len(m.proxies))
	for _, p := range m.proxies {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Forward sends a typed request to one account's trader.
func (m *Manager) Forward(ctx context.Context, accountID, requestType string, payload any, out any) error {
	p, err := m.proxy(accountID)
	if err != nil {
		return err
	}
	return p.Request(ctx, requestType, payload, out)
}

// GetAccount fetches one account snapshot.
func (m *Manager) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	var acct *types.Account
	if err := m.Forward(ctx, accountID, "get_account", nil, &acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccounts merges account snapshots from every connected trader.
func (m *Manager) GetAccounts(ctx context.Context) []types.Account {
	var out []types.Account
	for _, p := range m.connectedProxies() {
		var acct *types.Account
		if err := p.Request(ctx, "get_account", nil, &acct); err != nil {
			log.Printf("manager: get_account %s: %v", p.AccountID(), err)
			continue
		}
		if acct != nil {
			out = append(out, *acct)
		}
	}
	return out
}

// GetPositions fans out and preserves per-account grouping.
func (m *Manager) GetPositions(ctx context.Context) map[string][]types.Position {
	out := make(map[string][]types.Position)
	for _, p := range m.connectedProxies() {
		var pos []types.Position
		if err := p.Request(ctx, "get_positions", nil, &pos); err != nil {
			log.Printf("manager: get_positions %s: %v", p.AccountID(), err)
			continue
		}
		out[p.AccountID()] = pos
	}
	return out
}

// GetOrders fans out and flat-concatenates.
func (m *Manager) GetOrders(ctx context.Context) []types.Order {
	var out []types.Order
	for _, p := range m.connectedProxies() {
		var orders []types.Order
		if err := p.Request(ctx, "get_orders", nil, &orders); err != nil {
			log.Printf("manager: get_orders %s: %v", p.AccountID(), err)
			continue
		}
		out = append(out, orders...)
	}
	return out
}

// GetTrades fans out and flat-concatenates.
func (m *Manager) GetTrades(ctx context.Context) []types.Trade {
	var out []types.Trade
	for _, p := range m.connectedProxies() {
		var trades []types.Trade
		if err := p.Request(ctx, "get_trades", nil, &trades); err != nil {
			log.Printf("manager: get_trades %s: %v", p.AccountID(), err)
			continue
		}
		out = append(out, trades...)
	}
	return out
}

// SendOrder forwards a manual order to one trader and returns the order id.
func (m *Manager) SendOrder(ctx context.Context, accountID string, req types.OrderRequest) (string, error) {
	var orderID string
	if err := m.Forward(ctx, accountID, "order_req", req, &orderID); err != nil {
		return "", err
	}
	return orderID, nil
}

// CancelOrder forwards a cancel to one trader.
func (m *Manager) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	var ok bool
	err := m.Forward(ctx, accountID, "cancel_req", map[string]string{"order_id": orderID}, &ok)
	return ok, err
}
