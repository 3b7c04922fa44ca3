package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qtrader_test.sock")
	srv := NewServer(path)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, path
}

func TestRequestResponse(t *testing.T) {
	srv, path := startServer(t)
	srv.Handle("ping", func(json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	srv.Handle("echo", func(data json.RawMessage) (any, error) {
		return data, nil
	})

	cli, err := Dial(path, nil, nil, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	raw, err := cli.Request(context.Background(), "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(raw, &pong); err != nil || !pong.Pong {
		t.Fatalf("ping response %s, err=%v", raw, err)
	}

	raw, err = cli.Request(context.Background(), "echo", map[string]int{"x": 7}, time.Second)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(raw) != `{"x":7}` {
		t.Fatalf("echo response %s", raw)
	}
}

func TestUnknownRequestTypeKeepsConnection(t *testing.T) {
	srv, path := startServer(t)
	srv.Handle("ping", func(json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})

	cli, err := Dial(path, nil, nil, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if _, err := cli.Request(context.Background(), "bogus", nil, time.Second); err == nil {
		t.Fatal("expected error for unknown request type")
	}
	// Connection must survive a protocol error.
	if _, err := cli.Request(context.Background(), "ping", nil, time.Second); err != nil {
		t.Fatalf("ping after protocol error: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv, path := startServer(t)
	srv.Handle("slow", func(json.RawMessage) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})

	cli, err := Dial(path, nil, nil, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	_, err = cli.Request(context.Background(), "slow", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestConcurrentRequestsMux(t *testing.T) {
	srv, path := startServer(t)
	srv.Handle("id", func(data json.RawMessage) (any, error) {
		var in struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(data, &in)
		if in.N%2 == 0 {
			time.Sleep(20 * time.Millisecond) // shuffle response order
		}
		return in, nil
	})

	cli, err := Dial(path, nil, nil, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw, err := cli.Request(context.Background(), "id", map[string]int{"n": n}, time.Second)
			if err != nil {
				t.Errorf("request %d: %v", n, err)
				return
			}
			var out struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(raw, &out); err != nil || out.N != n {
				t.Errorf("request %d got %s", n, raw)
			}
		}(i)
	}
	wg.Wait()
}

func TestPushDelivery(t *testing.T) {
	srv, path := startServer(t)

	got := make(chan string, 1)
	cli, err := Dial(path, func(msgType string, data json.RawMessage) {
		got <- msgType + ":" + string(data)
	}, nil, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	// Wait for the server to pick up the connection.
	deadline := time.Now().Add(time.Second)
	for {
		srv.cmu.Lock()
		connected := srv.conn != nil
		srv.cmu.Unlock()
		if connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never saw the client")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Push("order", map[string]string{"order_id": "o1"})
	select {
	case msg := <-got:
		if msg != `order:{"order_id":"o1"}` {
			t.Fatalf("push payload %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}
}

func TestSecondClientDisplacesFirst(t *testing.T) {
	srv, path := startServer(t)
	srv.Handle("ping", func(json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})

	firstClosed := make(chan struct{})
	first, err := Dial(path, nil, func(error) { close(firstClosed) }, 0)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	second, err := Dial(path, nil, nil, 0)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	select {
	case <-firstClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("first client was not displaced")
	}

	if _, err := second.Request(context.Background(), "ping", nil, time.Second); err != nil {
		t.Fatalf("second client request: %v", err)
	}
}

func TestHeartbeatWatermarks(t *testing.T) {
	srv, path := startServer(t)

	cli, err := Dial(path, nil, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.LastClientHeartbeat().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("server never received a client heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}

	before := cli.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	srv.Heartbeat(time.Now())
	waitDeadline := time.Now().Add(time.Second)
	for !cli.LastHeartbeat().After(before) {
		if time.Now().After(waitDeadline) {
			t.Fatal("client heartbeat watermark not advanced")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
