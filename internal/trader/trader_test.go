package trader

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/csuduan/qtrader/internal/ipc"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		SocketDir:            dir,
		DataDir:              dir,
		RequestTimeoutSecs:   5,
		HeartbeatSecs:        1,
		HeartbeatTimeoutSecs: 30,
		MaxDailyOrders:       100,
		MaxDailyCancels:      100,
		MaxOrderVolume:       50,
		OrdersPerSecond:      100,
		OrderBurst:           100,
	}
}

func startTrader(t *testing.T) (*Trader, *ipc.Client, func(string)) {
	t.Helper()
	cfg := testConfig(t)
	acct := config.AccountConfig{
		AccountID: "acc1", Enabled: true, Gateway: "sim",
		Currency: "CNY", Symbols: []string{"rb2501.SHFE"},
	}
	tr, err := New(cfg, acct, nil)
	if err != nil {
		t.Fatalf("new trader: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("start trader: %v", err)
	}
	t.Cleanup(tr.Stop)

	var mu sync.Mutex
	pushes := make(map[string][]json.RawMessage)
	onPush := func(msgType string, data json.RawMessage) {
		mu.Lock()
		pushes[msgType] = append(pushes[msgType], data)
		mu.Unlock()
	}
	cli, err := ipc.Dial(tr.sockPath, onPush, nil, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(cli.Close)

	waitPush := func(msgType string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := len(pushes[msgType])
			mu.Unlock()
			if n > 0 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("no %s push received", msgType)
	}

	// The gateway connects in the background; wait until it reports up so
	// trading requests do not race the connect loop.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var acct types.Account
		raw, err := cli.Request(context.Background(), "get_account", nil, time.Second)
		if err == nil && json.Unmarshal(raw, &acct) == nil && acct.GatewayConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway not connected within 3s")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return tr, cli, waitPush
}

func request(t *testing.T, cli *ipc.Client, reqType string, payload any) json.RawMessage {
	t.Helper()
	raw, err := cli.Request(context.Background(), reqType, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("%s: %v", reqType, err)
	}
	return raw
}

func TestPIDFileArbitration(t *testing.T) {
	path := t.TempDir() + "/qtrader_acc1.pid"
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Our own pid is alive, so a second claim collides.
	if err := WritePIDFile(path); err == nil {
		t.Fatal("second claim should collide with a live pid")
	}
	// A stale pid is reaped.
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("claim over stale pid: %v", err)
	}
	if got := ReadPIDFile(path); got != os.Getpid() {
		t.Fatalf("pid file holds %d, expected %d", got, os.Getpid())
	}
	RemovePIDFile(path)
	if ReadPIDFile(path) != 0 {
		t.Fatal("pid file survived removal")
	}
}

func TestPingAndSnapshots(t *testing.T) {
	_, cli, _ := startTrader(t)

	var pong map[string]bool
	if err := json.Unmarshal(request(t, cli, "ping", nil), &pong); err != nil || !pong["pong"] {
		t.Fatalf("ping response: %v %v", pong, err)
	}

	var acct types.Account
	if err := json.Unmarshal(request(t, cli, "get_account", nil), &acct); err != nil {
		t.Fatalf("get_account decode: %v", err)
	}
	if acct.AccountID != "acc1" || !acct.GatewayConnected {
		t.Fatalf("account %+v", acct)
	}

	var quotes []types.Tick
	request(t, cli, "get_positions", nil)
	if err := json.Unmarshal(request(t, cli, "get_quotes", nil), &quotes); err != nil {
		t.Fatalf("get_quotes decode: %v", err)
	}

	var jobs []Job
	if err := json.Unmarshal(request(t, cli, "get_jobs", nil), &jobs); err != nil || len(jobs) == 0 {
		t.Fatalf("jobs %v err %v", jobs, err)
	}
}

func TestOrderReqLifecycleAndPush(t *testing.T) {
	_, cli, waitPush := startTrader(t)

	price := 1.0 // rests until cancelled
	var orderID string
	raw := request(t, cli, "order_req", types.OrderRequest{
		Symbol: "rb2501", Exchange: "SHFE",
		Direction: types.DirectionBuy, Offset: types.OffsetOpen,
		Volume: 2, Price: &price,
	})
	if err := json.Unmarshal(raw, &orderID); err != nil || orderID == "" {
		t.Fatalf("order_req response %s: %v", raw, err)
	}

	var active []types.Order
	if err := json.Unmarshal(request(t, cli, "get_active_orders", nil), &active); err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(active) != 1 || active[0].OrderID != orderID {
		t.Fatalf("active orders %+v", active)
	}

	var cancelled bool
	raw = request(t, cli, "cancel_req", map[string]string{"order_id": orderID})
	if err := json.Unmarshal(raw, &cancelled); err != nil || !cancelled {
		t.Fatalf("cancel_req %s: %v", raw, err)
	}

	var final types.Order
	if err := json.Unmarshal(request(t, cli, "get_order",
		map[string]string{"order_id": orderID}), &final); err != nil {
		t.Fatalf("get_order: %v", err)
	}
	if final.Status != types.StatusFinished {
		t.Fatalf("order after cancel %+v", final)
	}

	// Order updates are whitelisted for push.
	waitPush("order")
}

func TestPauseTradingRejectsOrders(t *testing.T) {
	_, cli, _ := startTrader(t)

	request(t, cli, "pause_trading", nil)
	price := 1.0
	_, err := cli.Request(context.Background(), "order_req", types.OrderRequest{
		Symbol: "rb2501", Exchange: "SHFE",
		Direction: types.DirectionBuy, Offset: types.OffsetOpen,
		Volume: 1, Price: &price,
	}, 5*time.Second)
	if err == nil {
		t.Fatal("order accepted while trading paused")
	}

	request(t, cli, "resume_trading", nil)
	raw := request(t, cli, "order_req", types.OrderRequest{
		Symbol: "rb2501", Exchange: "SHFE",
		Direction: types.DirectionBuy, Offset: types.OffsetOpen,
		Volume: 1, Price: &price,
	})
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		t.Fatalf("order after resume %s: %v", raw, err)
	}
}

func TestRiskLimitEnforcedOverIPC(t *testing.T) {
	_, cli, _ := startTrader(t)

	price := 1.0
	_, err := cli.Request(context.Background(), "order_req", types.OrderRequest{
		Symbol: "rb2501", Exchange: "SHFE",
		Direction: types.DirectionBuy, Offset: types.OffsetOpen,
		Volume: 51, Price: &price, // above MaxOrderVolume 50
	}, 5*time.Second)
	if err == nil {
		t.Fatal("oversize order accepted")
	}
}

func TestSystemParamsRoundTrip(t *testing.T) {
	_, cli, _ := startTrader(t)

	request(t, cli, "update_system_param",
		map[string]string{"key": "risk.mode", "value": "strict", "group": "risk"})

	var got struct {
		Key   string `json:"key"`
		Value string `json:"value"`
		Group string `json:"group"`
	}
	raw := request(t, cli, "get_system_param", map[string]string{"key": "risk.mode"})
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	if got.Value != "strict" || got.Group != "risk" {
		t.Fatalf("param %+v", got)
	}

	var list []any
	raw = request(t, cli, "get_system_params_by_group", map[string]string{"group": "risk"})
	if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
		t.Fatalf("group list %s: %v", raw, err)
	}
}

func TestHeartbeatReachesClient(t *testing.T) {
	_, cli, _ := startTrader(t)
	before := cli.LastHeartbeat()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cli.LastHeartbeat().After(before) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no heartbeat within 3s of a 1s cadence")
}

func TestStopRemovesFiles(t *testing.T) {
	tr, _, _ := startTrader(t)
	tr.Stop()
	if _, err := os.Stat(tr.pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
	if _, err := os.Stat(tr.sockPath); !os.IsNotExist(err) {
		t.Fatalf("socket file left behind: %v", err)
	}
}
