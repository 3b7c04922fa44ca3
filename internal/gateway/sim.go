package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csuduan/qtrader/internal/market"
	"github.com/csuduan/qtrader/pkg/types"
)

const (
	simStartBalance = 1_000_000
	simMarginRate   = 0.10
	simCommission   = 1.5 // per lot
	simKlineDepth   = 500
)

// Sim is a self-contained simulated brokerage gateway. A background I/O
// goroutine random-walks quotes for subscribed symbols, matches resting
// orders against them and invokes the registered callbacks, which makes it a
// faithful stand-in for a real upstream SDK in tests and dry runs.
type Sim struct {
	cfg Config

	mu        sync.RWMutex
	connected bool
	cb        Callbacks

	account   types.Account
	positions map[string]*types.Position
	orders    map[string]*types.Order
	orderSeq  []string
	trades    []types.Trade
	subs      map[string]bool // bare symbol -> subscribed
	exchanges map[string]string
	quotes    map[string]*types.Tick
	prices    map[string]float64
	bars      map[string]map[types.Interval][]types.Bar

	agg *market.Aggregator
	rnd *rand.Rand

	tickEvery time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSim creates a disconnected simulated gateway.
func NewSim(cfg Config) *Sim {
	s := &Sim{
		cfg:       cfg,
		positions: make(map[string]*types.Position),
		orders:    make(map[string]*types.Order),
		subs:      make(map[string]bool),
		exchanges: make(map[string]string),
		quotes:    make(map[string]*types.Tick),
		prices:    make(map[string]float64),
		bars:      make(map[string]map[types.Interval][]types.Bar),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		tickEvery: 500 * time.Millisecond,
		account: types.Account{
			AccountID:  cfg.AccountID,
			Balance:    simStartBalance,
			Available:  simStartBalance,
			PreBalance: simStartBalance,
			Currency:   cfg.Currency,
			BrokerName: cfg.BrokerName,
			RiskStatus: "normal",
			UpdateTime: time.Now(),
		},
	}
	s.agg = market.NewAggregator(market.DefaultAnchor, s.storeBar)
	return s
}

// RegisterCallbacks installs the trader's data callbacks.
func (s *Sim) RegisterCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Connect is idempotent and starts the background quote loop.
func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.account.GatewayConnected = true
	s.account.UpdateTime = time.Now()
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	cb := s.cb
	account := s.account
	s.mu.Unlock()

	if err := s.Subscribe(s.cfg.Symbols); err != nil {
		return err
	}

	if cb.OnAccount != nil {
		cb.OnAccount(account)
	}

	s.wg.Add(1)
	go s.quoteLoop(loopCtx)
	log.Printf("sim gateway: connected account=%s", s.cfg.AccountID)
	return nil
}

// Disconnect stops the quote loop. Idempotent.
func (s *Sim) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.account.GatewayConnected = false
	cancel := s.cancel
	s.cancel = nil
	cb := s.cb
	account := s.account
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if cb.OnAccount != nil {
		cb.OnAccount(account)
	}
	log.Printf("sim gateway: disconnected account=%s", s.cfg.AccountID)
	return nil
}

// Connected reports the gateway connection state.
func (s *Sim) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Subscribe registers std symbols for quote generation. Idempotent: symbols
// already subscribed produce no extra work.
func (s *Sim) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, std := range symbols {
		sym, ex := types.SplitStdSymbol(std)
		if s.subs[sym] {
			continue
		}
		s.subs[sym] = true
		s.exchanges[sym] = ex
		if _, ok := s.prices[sym]; !ok {
			s.prices[sym] = 3000 + s.rnd.Float64()*1000
		}
	}
	return nil
}

// Unsubscribe stops quote generation for the given std symbols. Resting
// orders and positions on the symbol are untouched.
func (s *Sim) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, std := range symbols {
		sym, _ := types.SplitStdSymbol(std)
		delete(s.subs, sym)
	}
	return nil
}

// SubscribeBars starts bar aggregation for a symbol/interval. Idempotent.
func (s *Sim) SubscribeBars(symbol string, interval types.Interval) error {
	sym, _ := types.SplitStdSymbol(symbol)
	if interval.Minutes() == 0 {
		return fmt.Errorf("unsupported interval %q", interval)
	}
	s.agg.Track(sym, interval)
	return s.Subscribe([]string{symbol})
}

// SendOrder accepts a child order. Submission is fire-and-forget:
// confirmation and fills arrive through the order/trade callbacks. A market
// order is priced at the opposing best quote.
func (s *Sim) SendOrder(req types.OrderRequest) (types.Order, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return types.Order{}, errors.New("gateway not connected")
	}
	if req.Volume <= 0 {
		s.mu.Unlock()
		return types.Order{}, fmt.Errorf("invalid volume %d", req.Volume)
	}

	now := time.Now()
	o := &types.Order{
		OrderID:        uuid.NewString(),
		Symbol:         req.Symbol,
		Exchange:       req.Exchange,
		Direction:      req.Direction,
		Offset:         req.Offset,
		VolumeOriginal: req.Volume,
		Price:          req.Price,
		PriceType:      req.PriceType,
		Status:         types.StatusPending,
		StatusMsg:      "submitted",
		GatewayOrderID: fmt.Sprintf("sim-%d", len(s.orderSeq)+1),
		InsertTime:     now,
		UpdateTime:     now,
	}
	if o.Price == nil {
		o.PriceType = types.PriceTypeMarket
	} else if o.PriceType == "" {
		o.PriceType = types.PriceTypeLimit
	}
	s.orders[o.OrderID] = o
	s.orderSeq = append(s.orderSeq, o.OrderID)
	snapshot := *o
	s.notifyOrderLocked(snapshot)
	s.mu.Unlock()

	// Match market orders immediately against the opposing best quote when
	// one exists; limit orders rest until a tick crosses them.
	if o.PriceType == types.PriceTypeMarket {
		s.mu.Lock()
		if q, ok := s.quotes[o.Symbol]; ok {
			price := q.Ask1
			if o.Direction == types.DirectionSell {
				price = q.Bid1
			}
			s.fillLocked(o, price, o.VolumeOriginal)
		}
		s.mu.Unlock()
	}
	return snapshot, nil
}

// CancelOrder finishes a pending order with its remainder unfilled.
func (s *Sim) CancelOrder(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !o.Active() {
		return nil
	}
	o.Status = types.StatusFinished
	o.StatusMsg = "cancelled"
	o.UpdateTime = time.Now()
	s.notifyOrderLocked(*o)
	return nil
}

func (s *Sim) GetAccount() *types.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.account
	return &a
}

func (s *Sim) GetPositions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		res = append(res, *p)
	}
	return res
}

func (s *Sim) GetOrders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]types.Order, 0, len(s.orderSeq))
	for _, id := range s.orderSeq {
		res = append(res, *s.orders[id])
	}
	return res
}

func (s *Sim) GetOrder(orderID string) *types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orders[orderID]; ok {
		cp := *o
		return &cp
	}
	return nil
}

func (s *Sim) GetTrades() []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]types.Trade, len(s.trades))
	copy(res, s.trades)
	return res
}

func (s *Sim) GetTrade(tradeID string) *types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.trades {
		if s.trades[i].TradeID == tradeID {
			cp := s.trades[i]
			return &cp
		}
	}
	return nil
}

func (s *Sim) GetQuotes() []types.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]types.Tick, 0, len(s.quotes))
	for _, q := range s.quotes {
		res = append(res, *q)
	}
	return res
}

func (s *Sim) GetKline(symbol string, interval types.Interval, count int) []types.Bar {
	sym, _ := types.SplitStdSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bars[sym][interval]
	if count <= 0 || count > len(all) {
		count = len(all)
	}
	res := make([]types.Bar, count)
	copy(res, all[len(all)-count:])
	return res
}

func (s *Sim) GetContracts() []types.Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]types.Contract, 0, len(s.subs))
	for sym := range s.subs {
		res = append(res, types.Contract{
			Symbol:     sym,
			Exchange:   s.exchanges[sym],
			Name:       sym,
			Multiplier: 10,
			PriceTick:  1,
			MarginRate: simMarginRate,
		})
	}
	return res
}

func (s *Sim) GetTradingDay() string {
	return TradingDay(time.Now())
}

func (s *Sim) quoteLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.tickEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.step(now)
		}
	}
}

// step advances every subscribed symbol one random-walk tick, matching
// resting orders along the way.
func (s *Sim) step(now time.Time) {
	s.mu.Lock()
	var ticks []types.Tick
	for sym := range s.subs {
		price := s.prices[sym] + (s.rnd.Float64()*2-1)*2
		if price < 1 {
			price = 1
		}
		s.prices[sym] = price

		q := s.quotes[sym]
		if q == nil {
			q = &types.Tick{Symbol: sym, Exchange: s.exchanges[sym], Open: price, PreClose: price,
				High: price, Low: price, LimitUp: price * 1.1, LimitDown: price * 0.9}
			s.quotes[sym] = q
		}
		q.Timestamp = now
		q.LastPrice = price
		q.Bid1 = price - 1
		q.Ask1 = price + 1
		q.BidVol1 = 1 + s.rnd.Intn(50)
		q.AskVol1 = 1 + s.rnd.Intn(50)
		q.Volume = 1 + s.rnd.Intn(10)
		q.Turnover = price * float64(q.Volume)
		if price > q.High {
			q.High = price
		}
		if q.Low == 0 || price < q.Low {
			q.Low = price
		}
		ticks = append(ticks, *q)
		s.matchLocked(sym, *q)
	}
	cb := s.cb
	s.mu.Unlock()

	for _, tk := range ticks {
		if cb.OnTick != nil {
			cb.OnTick(tk)
		}
		s.agg.OnTick(tk)
	}
}

// matchLocked fills resting orders whose price crosses the new quote.
func (s *Sim) matchLocked(symbol string, q types.Tick) {
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if !o.Active() || o.Symbol != symbol {
			continue
		}
		switch {
		case o.Price == nil:
			price := q.Ask1
			if o.Direction == types.DirectionSell {
				price = q.Bid1
			}
			s.fillLocked(o, price, o.VolumeLeft())
		case o.Direction == types.DirectionBuy && q.LastPrice <= *o.Price:
			s.fillLocked(o, *o.Price, o.VolumeLeft())
		case o.Direction == types.DirectionSell && q.LastPrice >= *o.Price:
			s.fillLocked(o, *o.Price, o.VolumeLeft())
		}
	}
}

// fillLocked executes volume lots of an order at price, emitting the trade,
// the order transition and the derived position/account updates.
func (s *Sim) fillLocked(o *types.Order, price float64, volume int) {
	if volume <= 0 || !o.Active() {
		return
	}
	now := time.Now()
	o.VolumeTraded += volume
	o.UpdateTime = now
	if o.VolumeTraded >= o.VolumeOriginal {
		o.Status = types.StatusFinished
		o.StatusMsg = "all traded"
	}

	tr := types.Trade{
		TradeID:    uuid.NewString(),
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Exchange:   o.Exchange,
		Direction:  o.Direction,
		Offset:     o.Offset,
		Price:      price,
		Volume:     volume,
		TradeTime:  now,
		TradingDay: TradingDay(now),
		Commission: simCommission * float64(volume),
	}
	s.trades = append(s.trades, tr)

	pos := s.applyFillLocked(tr)
	s.account.CloseProfit -= tr.Commission
	s.account.Balance -= tr.Commission
	s.refreshAccountLocked(now)

	s.notifyOrderLocked(*o)
	if s.cb.OnTrade != nil {
		s.cb.OnTrade(tr)
	}
	if s.cb.OnPosition != nil {
		s.cb.OnPosition(pos)
	}
	if s.cb.OnAccount != nil {
		s.cb.OnAccount(s.account)
	}
}

// applyFillLocked updates the long or short position leg for a fill.
func (s *Sim) applyFillLocked(tr types.Trade) types.Position {
	side := types.PosLong
	if (tr.Direction == types.DirectionSell) != tr.Offset.IsClose() {
		side = types.PosShort
	}
	key := tr.Symbol + "." + tr.Exchange + "." + string(side)
	p, ok := s.positions[key]
	if !ok {
		p = &types.Position{Symbol: tr.Symbol, Exchange: tr.Exchange, Side: side}
		s.positions[key] = p
	}

	if tr.Offset.IsClose() {
		closed := tr.Volume
		if closed > p.NetPos {
			closed = p.NetPos
		}
		p.NetPos -= closed
		p.TdPos -= closed
		if p.TdPos < 0 {
			p.YdPos += p.TdPos
			p.TdPos = 0
		}
		if p.NetPos == 0 {
			p.AvgPrice = 0
		}
	} else {
		total := p.AvgPrice*float64(p.NetPos) + tr.Price*float64(tr.Volume)
		p.NetPos += tr.Volume
		p.TdPos += tr.Volume
		p.AvgPrice = total / float64(p.NetPos)
	}
	p.Margin = p.AvgPrice * float64(p.NetPos) * simMarginRate
	return *p
}

func (s *Sim) refreshAccountLocked(now time.Time) {
	margin := 0.0
	hold := 0.0
	for _, p := range s.positions {
		margin += p.Margin
		if q, ok := s.quotes[p.Symbol]; ok && p.NetPos > 0 {
			diff := (q.LastPrice - p.AvgPrice) * float64(p.NetPos)
			if p.Side == types.PosShort {
				diff = -diff
			}
			p.HoldProfit = diff
			hold += diff
		}
	}
	s.account.Margin = margin
	s.account.HoldProfit = hold
	s.account.Available = s.account.Balance - margin
	if s.account.Balance > 0 {
		s.account.RiskRatio = margin / s.account.Balance
	}
	s.account.UpdateTime = now
}

func (s *Sim) notifyOrderLocked(o types.Order) {
	if s.cb.OnOrder != nil {
		s.cb.OnOrder(o)
	}
}

func (s *Sim) storeBar(b types.Bar) {
	s.mu.Lock()
	byInterval, ok := s.bars[b.Symbol]
	if !ok {
		byInterval = make(map[types.Interval][]types.Bar)
		s.bars[b.Symbol] = byInterval
	}
	bars := append(byInterval[b.Interval], b)
	if len(bars) > simKlineDepth {
		bars = bars[len(bars)-simKlineDepth:]
	}
	byInterval[b.Interval] = bars
	cb := s.cb
	s.mu.Unlock()

	if cb.OnBar != nil {
		cb.OnBar(b)
	}
}
