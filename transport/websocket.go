package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned by calls on a closed WebSocket transport.
	ErrClosed = errors.New("transport/ws: closed")

	// ErrConnLost is returned to calls in flight when the connection drops.
	// The next call dials again.
	ErrConnLost = errors.New("transport/ws: connection lost")
)

// WebSocket implements Transport over one multiplexed WebSocket connection,
// dialed on the first call and redialed after it drops.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	nextID atomic.Uint64

	mu     sync.Mutex
	sess   *wsSession
	closed bool
}

// wsSession is the state of one connection.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan jsonRPCResponse
	done    chan struct{}
	err     error
}

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

// session returns the live connection, dialing a new one if there is none.
func (ws *WebSocket) session(ctx context.Context) (*wsSession, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil, ErrClosed
	}
	if ws.sess != nil && !ws.sess.dead() {
		return ws.sess, nil
	}

	conn, _, err := ws.dialer.DialContext(ctx, ws.url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: dial: %w", err)
	}
	s := &wsSession{
		conn:    conn,
		pending: make(map[uint64]chan jsonRPCResponse),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	ws.sess = s
	return s, nil
}

// Call sends a JSON-RPC request and waits for the matching response.
func (ws *WebSocket) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	s, err := ws.session(ctx)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = []interface{}{}
	}

	id := ws.nextID.Add(1)
	ch := s.register(id)
	defer s.unregister(id)

	s.writeMu.Lock()
	err = s.conn.WriteJSON(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.fail(err)
		return nil, fmt.Errorf("%w: write: %v", ErrConnLost, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-s.done:
		if ws.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrConnLost, s.cause())
	}
}

func (ws *WebSocket) isClosed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

// Close terminates the connection. Calls in flight return ErrClosed.
func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	ws.closed = true
	s := ws.sess
	ws.mu.Unlock()
	if s == nil || s.dead() {
		return nil
	}
	s.fail(ErrClosed)
	return nil
}

func (s *wsSession) register(id uint64) chan jsonRPCResponse {
	ch := make(chan jsonRPCResponse, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *wsSession) unregister(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *wsSession) dead() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSession) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail marks the session dead and closes its connection. Only the first cause is kept.
func (s *wsSession) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.Close()
}

// readLoop routes responses to waiting callers until the connection fails.
func (s *wsSession) readLoop() {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(message, &resp); err != nil || resp.ID == 0 {
			// subscription notifications and garbage
			continue
		}

		s.mu.Lock()
		if ch, ok := s.pending[resp.ID]; ok {
			select {
			case ch <- resp:
			default:
			}
		}
		s.mu.Unlock()
	}
}
