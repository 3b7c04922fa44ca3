package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Frame types on the manager<->trader wire.
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypePush      = "push"
	TypeHeartbeat = "heartbeat"
)

// MaxFrameSize caps a single frame. Anything larger is treated as a framing
// error and closes the connection.
const MaxFrameSize = 16 << 20

// Frame is the JSON payload of one length-prefixed message. Which fields are
// populated depends on Type.
type Frame struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id,omitempty"`
	RequestType string          `json:"request_type,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	MsgType     string          `json:"msg_type,omitempty"`
	TS          string          `json:"ts,omitempty"`
}

// NewRequest builds a request frame; data is marshaled in place.
func NewRequest(requestID, requestType string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeRequest, RequestID: requestID, RequestType: requestType, Data: raw}, nil
}

// NewResponse builds a success response for a request id.
func NewResponse(requestID string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	ok := true
	return &Frame{Type: TypeResponse, RequestID: requestID, Success: &ok, Data: raw}, nil
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(requestID, errMsg string) *Frame {
	ok := false
	return &Frame{Type: TypeResponse, RequestID: requestID, Success: &ok, Error: errMsg}
}

// NewPush builds an unsolicited event frame.
func NewPush(msgType string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypePush, MsgType: msgType, Data: raw}, nil
}

// NewHeartbeat builds a liveness frame stamped with the current time.
func NewHeartbeat(now time.Time) *Frame {
	return &Frame{Type: TypeHeartbeat, TS: now.Format(time.RFC3339Nano)}
}

// OK reports whether a response frame carries success=true.
func (f *Frame) OK() bool {
	return f.Success != nil && *f.Success
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal frame data: %w", err)
	}
	return raw, nil
}

// WriteFrame writes one [4-byte big-endian length][JSON] frame. Callers are
// responsible for serializing writes to the same connection.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame. A malformed length, short read or JSON parse
// error is returned to the caller, which must close the connection.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}
