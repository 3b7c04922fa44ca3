package ipc

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// HandlerFunc serves one request type. The returned value is marshaled into
// the response data field; a non-nil error produces {success:false}.
type HandlerFunc func(data json.RawMessage) (any, error)

// Server is the trader-side IPC endpoint. It accepts exactly one concurrent
// client (the manager); a second connect displaces the first.
type Server struct {
	path     string
	listener net.Listener

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	cmu  sync.Mutex
	conn net.Conn
	wmu  sync.Mutex // serializes frames onto the wire

	heartbeatMu         sync.Mutex
	lastClientHeartbeat time.Time

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server bound to a unix socket path.
func NewServer(path string) *Server {
	return &Server{
		path:     path,
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}
}

// Handle registers a request handler by name. Registration after Start is
// not supported.
func (s *Server) Handle(requestType string, h HandlerFunc) {
	s.hmu.Lock()
	s.handlers[requestType] = h
	s.hmu.Unlock()
}

// Start listens on the socket and begins accepting.
func (s *Server) Start() error {
	// A stale socket file from an unclean shutdown is removed; the PID file
	// arbitration has already established exclusivity.
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and current client and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.cmu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.cmu.Unlock()
		s.wg.Wait()
		_ = os.Remove(s.path)
	})
}

// Push sends an unsolicited event frame to the connected client, if any.
func (s *Server) Push(msgType string, data any) {
	s.cmu.Lock()
	conn := s.conn
	s.cmu.Unlock()
	if conn == nil {
		return
	}
	frame, err := NewPush(msgType, data)
	if err != nil {
		log.Printf("ipc server: push %s: %v", msgType, err)
		return
	}
	s.write(conn, frame)
}

// Heartbeat sends a heartbeat frame to the connected client, if any.
func (s *Server) Heartbeat(now time.Time) {
	s.cmu.Lock()
	conn := s.conn
	s.cmu.Unlock()
	if conn == nil {
		return
	}
	s.write(conn, NewHeartbeat(now))
}

// LastClientHeartbeat is advisory: the most recent heartbeat received from
// the client.
func (s *Server) LastClientHeartbeat() time.Time {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	return s.lastClientHeartbeat
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("ipc server: accept: %v", err)
				return
			}
		}

		s.cmu.Lock()
		if s.conn != nil {
			log.Printf("ipc server: new client displaces existing connection")
			_ = s.conn.Close()
		}
		s.conn = conn
		s.cmu.Unlock()

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

func (s *Server) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.cmu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.cmu.Unlock()
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("ipc server: read: %v, waiting for reconnect", err)
			}
			return
		}

		switch frame.Type {
		case TypeRequest:
			// Distinct requests run concurrently; responses are serialized
			// onto the wire by write().
			s.wg.Add(1)
			go func(f *Frame) {
				defer s.wg.Done()
				s.serve(conn, f)
			}(frame)
		case TypeHeartbeat:
			s.heartbeatMu.Lock()
			s.lastClientHeartbeat = time.Now()
			s.heartbeatMu.Unlock()
		default:
			log.Printf("ipc server: unexpected frame type %q", frame.Type)
		}
	}
}

func (s *Server) serve(conn net.Conn, req *Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ipc server: handler panic for %s: %v", req.RequestType, r)
			s.write(conn, NewErrorResponse(req.RequestID, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	s.hmu.RLock()
	h, ok := s.handlers[req.RequestType]
	s.hmu.RUnlock()
	if !ok {
		s.write(conn, NewErrorResponse(req.RequestID, "unknown request_type: "+req.RequestType))
		return
	}

	result, err := h(req.Data)
	if err != nil {
		s.write(conn, NewErrorResponse(req.RequestID, err.Error()))
		return
	}
	resp, err := NewResponse(req.RequestID, result)
	if err != nil {
		s.write(conn, NewErrorResponse(req.RequestID, err.Error()))
		return
	}
	s.write(conn, resp)
}

func (s *Server) write(conn net.Conn, f *Frame) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := WriteFrame(conn, f); err != nil {
		log.Printf("ipc server: write: %v", err)
	}
}
