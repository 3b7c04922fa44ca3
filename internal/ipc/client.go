package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when a request future expires before a response
// with its request_id arrives. No side effects are assumed.
var ErrTimeout = errors.New("ipc request timeout")

// ErrDisconnected is returned to waiters when the connection drops with
// their request in flight.
var ErrDisconnected = errors.New("ipc connection closed")

// PushHandler consumes unsolicited event frames.
type PushHandler func(msgType string, data json.RawMessage)

// Client is the manager-side request/response mux over one trader socket.
// A single read loop demultiplexes responses to pending waiters by
// request_id and forwards push frames to the handler.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan *Frame

	onPush  PushHandler
	onClose func(err error)

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a trader's unix socket and starts the read loop and the
// client-side heartbeat sender.
func Dial(path string, onPush PushHandler, onClose func(err error), heartbeatEvery time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c := &Client{
		conn:          conn,
		pending:       make(map[string]chan *Frame),
		onPush:        onPush,
		onClose:       onClose,
		lastHeartbeat: time.Now(),
		closed:        make(chan struct{}),
	}
	go c.readLoop()
	if heartbeatEvery > 0 {
		go c.heartbeatLoop(heartbeatEvery)
	}
	return c, nil
}

// Request sends a request and waits for the matching response. On timeout or
// disconnect the waiter is released with a structured error.
func (c *Client) Request(ctx context.Context, requestType string, data any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := NewRequest(id, requestType, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Frame, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if !resp.OK() {
			return nil, fmt.Errorf("%s failed: %s", requestType, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", requestType, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrDisconnected
	}
}

// LastHeartbeat is the receive time of the most recent server heartbeat.
func (c *Client) LastHeartbeat() time.Time {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.lastHeartbeat
}

// Close tears the connection down and fails all pending requests.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()

		c.pmu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pmu.Unlock()

		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func (c *Client) readLoop() {
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch frame.Type {
		case TypeResponse:
			c.pmu.Lock()
			ch, ok := c.pending[frame.RequestID]
			if ok {
				delete(c.pending, frame.RequestID)
			}
			c.pmu.Unlock()
			if ok {
				ch <- frame
			}
		case TypePush:
			if c.onPush != nil {
				c.onPush(frame.MsgType, frame.Data)
			}
		case TypeHeartbeat:
			c.hbMu.Lock()
			c.lastHeartbeat = time.Now()
			c.hbMu.Unlock()
		}
	}
}

func (c *Client) heartbeatLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-t.C:
			if err := c.write(NewHeartbeat(now)); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(f *Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, f)
}
