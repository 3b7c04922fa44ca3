package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/pkg/db"
	"github.com/csuduan/qtrader/pkg/types"
)

// result is the {success, message, data} envelope several admin requests use.
type result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func okResult(data any) result   { return result{Success: true, Data: data} }
func errResult(err error) result { return result{Success: false, Message: err.Error()} }

func boolResult(ok bool, msg string) result {
	return result{Success: ok, Message: msg}
}

type strategyIDReq struct {
	StrategyID string `json:"strategy_id"`
}

// registerHandlers wires the full IPC request catalog.
func (t *Trader) registerHandlers() {
	s := t.server

	// Connection and gateway.
	s.Handle("ping", func(json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	s.Handle("connect_gateway", func(json.RawMessage) (any, error) {
		if t.gw.Connected() {
			return true, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.gw.Connect(ctx); err != nil {
			return false, err
		}
		t.bus.Publish(events.TopicAccountStatus, types.AccountStatus{
			AccountID: t.accountID, Connected: true,
		})
		return true, nil
	})
	s.Handle("disconnect_gateway", func(json.RawMessage) (any, error) {
		if err := t.gw.Disconnect(); err != nil {
			return false, err
		}
		t.bus.Publish(events.TopicAccountStatus, types.AccountStatus{
			AccountID: t.accountID, Connected: false, Message: "disconnected by request",
		})
		return true, nil
	})
	s.Handle("pause_trading", func(json.RawMessage) (any, error) {
		t.exec.Pause()
		return true, nil
	})
	s.Handle("resume_trading", func(json.RawMessage) (any, error) {
		t.exec.Resume()
		return true, nil
	})
	s.Handle("subscribe", func(data json.RawMessage) (any, error) {
		var req struct {
			Symbols []string `json:"symbols"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.gw.Subscribe(req.Symbols); err != nil {
			return false, err
		}
		return true, nil
	})
	s.Handle("unsubscribe", func(data json.RawMessage) (any, error) {
		var req struct {
			Symbols []string `json:"symbols"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.gw.Unsubscribe(req.Symbols); err != nil {
			return false, err
		}
		return true, nil
	})

	// Query snapshots.
	s.Handle("get_account", func(json.RawMessage) (any, error) {
		a := t.gw.GetAccount()
		if a != nil {
			a.TradePaused = t.exec.Paused()
			a.GatewayConnected = t.gw.Connected()
		}
		return a, nil
	})
	s.Handle("get_order", func(data json.RawMessage) (any, error) {
		var req struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return t.gw.GetOrder(req.OrderID), nil
	})
	s.Handle("get_orders", func(json.RawMessage) (any, error) {
		return t.gw.GetOrders(), nil
	})
	s.Handle("get_active_orders", func(json.RawMessage) (any, error) {
		var active []types.Order
		for _, o := range t.gw.GetOrders() {
			if o.Active() {
				active = append(active, o)
			}
		}
		return active, nil
	})
	s.Handle("get_trade", func(data json.RawMessage) (any, error) {
		var req struct {
			TradeID string `json:"trade_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return t.gw.GetTrade(req.TradeID), nil
	})
	s.Handle("get_trades", func(json.RawMessage) (any, error) {
		return t.gw.GetTrades(), nil
	})
	s.Handle("get_positions", func(json.RawMessage) (any, error) {
		return t.gw.GetPositions(), nil
	})
	s.Handle("get_quotes", func(json.RawMessage) (any, error) {
		return t.gw.GetQuotes(), nil
	})
	s.Handle("get_jobs", func(json.RawMessage) (any, error) {
		return t.jobs(), nil
	})

	// Trading.
	s.Handle("order_req", func(data json.RawMessage) (any, error) {
		var req types.OrderRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if t.exec.Paused() {
			return nil, fmt.Errorf("trading paused")
		}
		if err := t.checker.CheckOrder(req); err != nil {
			return nil, err
		}
		o, err := t.gw.SendOrder(req)
		if err != nil {
			return nil, err
		}
		return o.OrderID, nil
	})
	s.Handle("cancel_req", func(data json.RawMessage) (any, error) {
		var req struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.checker.CheckCancel(); err != nil {
			return nil, err
		}
		if err := t.gw.CancelOrder(req.OrderID); err != nil {
			return false, err
		}
		return true, nil
	})

	// Strategy admin.
	s.Handle("list_strategies", func(json.RawMessage) (any, error) {
		return t.harness.List(), nil
	})
	s.Handle("get_strategy", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		st, ok := t.harness.Get(req.StrategyID)
		if !ok {
			return nil, nil
		}
		return st, nil
	})
	s.Handle("start_strategy", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return t.harness.SetEnabled(req.StrategyID, true), nil
	})
	s.Handle("stop_strategy", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return t.harness.SetEnabled(req.StrategyID, false), nil
	})
	s.Handle("start_all_strategies", func(json.RawMessage) (any, error) {
		t.harness.SetAllEnabled(true)
		return true, nil
	})
	s.Handle("stop_all_strategies", func(json.RawMessage) (any, error) {
		t.harness.SetAllEnabled(false)
		return true, nil
	})
	s.Handle("init_strategy", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.harness.Reinit(req.StrategyID); err != nil {
			return errResult(err), nil
		}
		return boolResult(true, "reinitialized"), nil
	})
	s.Handle("update_strategy_params", func(data json.RawMessage) (any, error) {
		var req struct {
			StrategyID string         `json:"strategy_id"`
			Params     map[string]any `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.harness.UpdateParams(req.StrategyID, req.Params); err != nil {
			return errResult(err), nil
		}
		return boolResult(true, "params updated"), nil
	})
	s.Handle("update_strategy_signal", func(data json.RawMessage) (any, error) {
		var req struct {
			StrategyID string         `json:"strategy_id"`
			Signal     map[string]any `json:"signal"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.harness.UpdateSignal(req.StrategyID, req.Signal); err != nil {
			return errResult(err), nil
		}
		return boolResult(true, "signal updated"), nil
	})
	s.Handle("set_strategy_trading_status", func(data json.RawMessage) (any, error) {
		var req struct {
			StrategyID string `json:"strategy_id"`
			Status     struct {
				OpeningPaused bool `json:"opening_paused"`
				ClosingPaused bool `json:"closing_paused"`
			} `json:"status"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		st, err := t.harness.SetTradingStatus(req.StrategyID,
			req.Status.OpeningPaused, req.Status.ClosingPaused)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(st), nil
	})
	s.Handle("enable_strategy", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if !t.harness.SetEnabled(req.StrategyID, true) {
			return errResult(fmt.Errorf("unknown strategy %s", req.StrategyID)), nil
		}
		return boolResult(true, "enabled"), nil
	})
	s.Handle("disable_strategy", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if !t.harness.SetEnabled(req.StrategyID, false) {
			return errResult(fmt.Errorf("unknown strategy %s", req.StrategyID)), nil
		}
		return boolResult(true, "disabled"), nil
	})
	s.Handle("reload_strategy_params", func(data json.RawMessage) (any, error) {
		var req strategyIDReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if err := t.harness.ReloadParams(req.StrategyID); err != nil {
			return errResult(err), nil
		}
		return boolResult(true, "params reloaded"), nil
	})
	s.Handle("get_strategy_order_cmds", func(data json.RawMessage) (any, error) {
		var req struct {
			StrategyID string `json:"strategy_id"`
			Status     string `json:"status"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return t.harness.OrderCmds(req.StrategyID, req.Status), nil
	})

	// System params.
	s.Handle("list_system_params", func(data json.RawMessage) (any, error) {
		var req struct {
			Group string `json:"group"`
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &req)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.store.ListSystemParams(ctx, req.Group)
	})
	s.Handle("get_system_param", func(data json.RawMessage) (any, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.store.GetSystemParam(ctx, req.Key)
	})
	s.Handle("update_system_param", func(data json.RawMessage) (any, error) {
		var p db.SystemParam
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.Key == "" {
			return nil, fmt.Errorf("missing key")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.SetSystemParam(ctx, p); err != nil {
			return nil, err
		}
		return true, nil
	})
	s.Handle("get_system_params_by_group", func(data json.RawMessage) (any, error) {
		var req struct {
			Group string `json:"group"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.store.ListSystemParams(ctx, req.Group)
	})
}
