package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/protocol"
)

var (
	// ErrConnectionNotFound is returned when a handle has no open connection
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionClosed is returned for a connection that is shutting down
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's send queue is full. The
	// connection is closed.
	ErrSlowConsumer = errors.New("send queue full")
)

// sendQueueSize is the number of frames a connection may have waiting for
// its writer before it counts as a slow consumer.
const sendQueueSize = 64

// Conn is one WebSocket connection. Handle is assigned on accept and never
// reused; Identity is fixed at the handshake.
type Conn struct {
	Handle   string
	Identity string

	ws           *websocket.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter
	state        atomic.Int32
	send         chan *protocol.Outbound
	done         chan struct{} // closed by Close
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, identity string, config ServerConfig) *Conn {
	perSecond := rate.Limit(float64(config.MessageRateLimit) / 60)
	return &Conn{
		Handle:       uuid.NewString(),
		Identity:     identity,
		ws:           ws,
		writeTimeout: config.WriteTimeout,
		limiter:      rate.NewLimiter(perSecond, config.MessageBurst),
		send:         make(chan *protocol.Outbound, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// enqueue hands frame to the connection's writer without blocking
func (c *Conn) enqueue(frame *protocol.Outbound) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// write sends one frame. Only the connection's write loop calls it.
func (c *Conn) write(frame *protocol.Outbound) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := protocol.WriteOutbound(w, frame); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// allow reports whether the connection may send another frame now
func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
		if c.ws != nil {
			err = c.ws.Close()
		}
	})
	return err
}

// Hub tracks open connections by handle and implements router.Transport
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Add registers a connection
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	h.conns[c.Handle] = c
	h.mu.Unlock()
}

// Remove forgets a connection without closing it
func (h *Hub) Remove(handle string) {
	h.mu.Lock()
	delete(h.conns, handle)
	h.mu.Unlock()
}

// Get returns the connection for handle
func (h *Hub) Get(handle string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[handle]
	return c, ok
}

// Count returns the number of open connections, anonymous ones included
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send implements router.Transport. It queues frame for the connection's
// writer and never waits on the peer. A full queue or a failed write closes
// the connection; its read loop then runs the disconnect path.
func (h *Hub) Send(ctx context.Context, handle string, frame *protocol.Outbound) error {
	c, ok := h.Get(handle)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, handle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.enqueue(frame); err != nil {
		return fmt.Errorf("send to %s: %w", handle, err)
	}
	return nil
}

// Close closes the connection for handle
func (h *Hub) Close(handle string) error {
	c, ok := h.Get(handle)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, handle)
	}
	return c.Close()
}

// CloseAll closes every open connection
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers on the web app origin and native clients both connect;
		// identity comes from the token, not the origin.
		return true
	},
}

// HandleWebSocket upgrades the request and runs the connection until it closes
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	identity := s.auth.Resolve(r)
	if identity == auth.Anonymous && !s.config.AllowAnonymous {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, identity, s.config)
	if !s.track(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	s.metrics.RecordConnectionOpened()
	debugLog.Printf("WebSocket connection from %s (handle %s, identity %q)", r.RemoteAddr, c.Handle, identity)

	go s.writeLoop(c)
	go s.readLoop(c)
}

// track registers c with the hub and the shutdown wait group for its read
// and write loops. It refuses once Stop has begun.
func (s *Server) track(c *Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.hub.Add(c)
	s.wg.Add(2)
	return true
}

func (s *Server) shuttingDown() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closing
}

// writeLoop drains the connection's send queue in order
func (s *Server) writeLoop(c *Conn) {
	defer s.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				debugLog.Printf("Handle %s write failed: %v", c.Handle, err)
				c.Close()
				return
			}
		}
	}
}

// readLoop owns the connection: it runs the connect path, reads frames until
// the peer goes away, then runs the disconnect path.
func (s *Server) readLoop(c *Conn) {
	defer s.wg.Done()

	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		s.lifecycle.Disconnected(context.Background(), c)
		s.hub.Remove(c.Handle)
		c.Close()
		s.metrics.RecordConnectionClosed()
		debugLog.Printf("Handle %s closed", c.Handle)
	}()

	s.lifecycle.Connected(s.ctx, c)

	pongWait := s.config.SessionTimeout
	c.ws.SetReadLimit(s.config.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.wg.Add(1)
	go s.pingLoop(c, pongWait*9/10, stopPing)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Handle %s read error: %v", c.Handle, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(s.ctx, c, data)
	}
}

func (s *Server) pingLoop(c *Conn, period time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				debugLog.Printf("Handle %s ping failed: %v", c.Handle, err)
				c.Close()
				return
			}
		}
	}
}

// handleFrame decodes and dispatches one inbound frame and routes the reply,
// if any, back to the sending connection.
func (s *Server) handleFrame(ctx context.Context, c *Conn, data []byte) {
	var resp *protocol.RoutingResponse

	if !c.allow() {
		s.metrics.RecordRateLimited()
		resp = protocol.Failure("Rate limit exceeded")
	} else if in, err := protocol.DecodeInbound(data); err != nil {
		debugLog.Printf("Handle %s sent a bad frame: %v", c.Handle, err)
		s.metrics.RecordHandlerError("invalid")
		resp = protocol.Failure("Invalid message format")
	} else {
		resp = s.handlers.Handle(ctx, c, in)
	}

	if resp == nil {
		return
	}
	resp.ReplyTo = c.Handle
	resp.SessionID = c.Handle
	out := s.router.Publish(ctx, resp)
	if out.Err == nil {
		return
	}

	// The reply itself could not be routed; the client still gets an answer
	errorLog.Printf("Reply %s to %s not sent: %v", resp.Type, c.Handle, out.Err)
	fallback := protocol.Failure(msgInternalError)
	fallback.RequestID = resp.RequestID
	fallback.ReplyTo = c.Handle
	fallback.SessionID = c.Handle
	s.router.Publish(ctx, fallback)
}
