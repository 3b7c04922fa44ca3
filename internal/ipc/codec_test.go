package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	ok := true
	frames := []*Frame{
		{Type: TypeRequest, RequestID: "r1", RequestType: "get_account", Data: []byte(`{}`)},
		{Type: TypeResponse, RequestID: "r1", Success: &ok, Data: []byte(`{"balance":100.5}`)},
		{Type: TypePush, MsgType: "order", Data: []byte(`{"order_id":"o1"}`)},
		NewHeartbeat(time.Now()),
		NewErrorResponse("r2", "unknown request_type: bogus"),
	}
	for _, f := range frames {
		t.Run(f.Type, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, f); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			encoded := append([]byte(nil), buf.Bytes()...)

			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Type != f.Type || got.RequestID != f.RequestID || got.MsgType != f.MsgType || got.Error != f.Error {
				t.Fatalf("decoded %+v, expected %+v", got, f)
			}

			// Re-encoding the decoded frame must reproduce the original bytes.
			var buf2 bytes.Buffer
			if err := WriteFrame(&buf2, got); err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if !bytes.Equal(encoded, buf2.Bytes()) {
				t.Fatalf("re-encoded frame differs:\n%q\n%q", encoded, buf2.Bytes())
			}
		})
	}
}

func TestReadFrameRejectsMalformedLength(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized length")
	}

	buf.Reset()
	binary.BigEndian.PutUint32(header[:], 0)
	buf.Write(header[:])
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestReadFrameRejectsUnterminatedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 64)
	buf.Write(header[:])
	buf.WriteString(`{"type":"request"`) // short payload
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestReadFrameRejectsBadJSON(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("not json at all")
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}
