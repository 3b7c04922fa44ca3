package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/csuduan/qtrader/pkg/types"
)

// UpsertOrder stores the latest snapshot of a child order.
func (d *Database) UpsertOrder(ctx context.Context, o types.Order) error {
	var price any
	if o.Price != nil {
		price = *o.Price
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, symbol, exchange, direction, offset, volume_original,
			volume_traded, price, price_type, status, status_msg,
			gateway_order_id, insert_time, update_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			volume_traded = excluded.volume_traded,
			status = excluded.status,
			status_msg = excluded.status_msg,
			update_time = excluded.update_time
	`,
		o.OrderID, o.Symbol, o.Exchange, o.Direction, o.Offset, o.VolumeOriginal,
		o.VolumeTraded, price, o.PriceType, o.Status, o.StatusMsg,
		o.GatewayOrderID, o.InsertTime, o.UpdateTime,
	)
	return err
}

// CreateTrade inserts a new fill row.
func (d *Database) CreateTrade(ctx context.Context, t types.Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			trade_id, order_id, symbol, exchange, direction, offset,
			price, volume, trade_time, trading_day, commission
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.TradeID, t.OrderID, t.Symbol, t.Exchange, t.Direction, t.Offset,
		t.Price, t.Volume, t.TradeTime, t.TradingDay, t.Commission,
	)
	return err
}

// OrderCmdRecord is the archival row for a terminal order command.
type OrderCmdRecord struct {
	CmdID         string
	SourceTag     string
	Symbol        string
	Direction     string
	Offset        string
	TargetVolume  int
	FilledVolume  int
	FilledPrice   float64
	Status        string
	FinishReason  string
	ChildOrderIDs []string
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// SaveOrderCmd archives a terminal order command for diagnostics.
func (d *Database) SaveOrderCmd(ctx context.Context, r OrderCmdRecord) error {
	children, _ := json.Marshal(r.ChildOrderIDs)
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_cmds (
			cmd_id, source_tag, symbol, direction, offset, target_volume,
			filled_volume, filled_price, status, finish_reason,
			child_order_ids, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cmd_id) DO UPDATE SET
			filled_volume = excluded.filled_volume,
			filled_price = excluded.filled_price,
			status = excluded.status,
			finish_reason = excluded.finish_reason,
			finished_at = excluded.finished_at
	`,
		r.CmdID, r.SourceTag, r.Symbol, r.Direction, r.Offset, r.TargetVolume,
		r.FilledVolume, r.FilledPrice, r.Status, r.FinishReason,
		string(children), r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	return err
}

// ListOrderCmds returns archived commands, optionally filtered by source tag.
func (d *Database) ListOrderCmds(ctx context.Context, sourceTag string) ([]OrderCmdRecord, error) {
	query := `
		SELECT cmd_id, source_tag, symbol, direction, offset, target_volume,
		       filled_volume, filled_price, status, finish_reason, child_order_ids
		FROM order_cmds`
	args := []any{}
	if sourceTag != "" {
		query += " WHERE source_tag = ?"
		args = append(args, sourceTag)
	}
	query += " ORDER BY created_at DESC"

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrderCmdRecord
	for rows.Next() {
		var r OrderCmdRecord
		var children string
		if err := rows.Scan(&r.CmdID, &r.SourceTag, &r.Symbol, &r.Direction, &r.Offset,
			&r.TargetVolume, &r.FilledVolume, &r.FilledPrice, &r.Status,
			&r.FinishReason, &children); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(children), &r.ChildOrderIDs)
		res = append(res, r)
	}
	return res, rows.Err()
}

// SaveStrategyState upserts serialized strategy state.
func (d *Database) SaveStrategyState(ctx context.Context, strategyID string, state json.RawMessage) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_states (strategy_id, state_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id) DO UPDATE SET
			state_data = excluded.state_data,
			updated_at = CURRENT_TIMESTAMP
	`, strategyID, string(state))
	return err
}

// LoadStrategyState returns the serialized state for a strategy or nil.
func (d *Database) LoadStrategyState(ctx context.Context, strategyID string) (json.RawMessage, error) {
	var state string
	err := d.DB.QueryRowContext(ctx,
		`SELECT state_data FROM strategy_states WHERE strategy_id = ?`, strategyID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(state), nil
}

// SystemParam is one key/value settings row.
type SystemParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Group string `json:"group"`
}

// GetSystemParam returns a single param or nil when absent.
func (d *Database) GetSystemParam(ctx context.Context, key string) (*SystemParam, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT key, value, grp FROM system_params WHERE key = ?`, key)
	var p SystemParam
	if err := row.Scan(&p.Key, &p.Value, &p.Group); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// SetSystemParam upserts a param.
func (d *Database) SetSystemParam(ctx context.Context, p SystemParam) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO system_params (key, value, grp, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			grp = CASE WHEN excluded.grp != '' THEN excluded.grp ELSE system_params.grp END,
			updated_at = CURRENT_TIMESTAMP
	`, p.Key, p.Value, p.Group)
	return err
}

// ListSystemParams returns all params, optionally filtered by group.
func (d *Database) ListSystemParams(ctx context.Context, group string) ([]SystemParam, error) {
	query := `SELECT key, value, grp FROM system_params`
	args := []any{}
	if group != "" {
		query += ` WHERE grp = ?`
		args = append(args, group)
	}
	query += ` ORDER BY key`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SystemParam
	for rows.Next() {
		var p SystemParam
		if err := rows.Scan(&p.Key, &p.Value, &p.Group); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListParamGroups returns the distinct non-empty groups.
func (d *Database) ListParamGroups(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT DISTINCT grp FROM system_params WHERE grp != '' ORDER BY grp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		if g = strings.TrimSpace(g); g != "" {
			res = append(res, g)
		}
	}
	return res, rows.Err()
}
