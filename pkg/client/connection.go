package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trackify/realtime/pkg/protocol"
)

// ErrUnauthorized is returned by Connect when the server rejects the token
var ErrUnauthorized = errors.New("server rejected credentials")

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Message is one decoded server frame
type Message struct {
	Destination string
	Envelope    protocol.Envelope
}

// Connection is a client connection to the realtime server
type Connection struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu           sync.RWMutex
	ws           *websocket.Conn
	done         chan struct{} // closed when the current socket is torn down
	connected    bool
	reconnecting bool

	// Channels for communication
	incoming    chan *Message
	outgoing    chan *protocol.Inbound
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Logging
	logger *log.Logger

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a client connection. addr may be host:port or a
// ws://, wss://, http:// or https:// URL. token is sent as a bearer token;
// empty connects anonymously.
func NewConnection(addr, token string) (*Connection, error) {
	u, err := parseServerURL(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		url:   u,
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		incoming:          make(chan *Message, 100),
		outgoing:          make(chan *protocol.Inbound, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the read and write loops
func (c *Connection) Connect() error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if connected {
		return fmt.Errorf("already connected")
	}

	c.logf("Connecting to %s...", c.url)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, resp, err := c.dialer.Dial(c.url, header)
	if err != nil {
		c.logf("Connection failed: %v", err)
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	select {
	case <-c.shutdown:
		c.mu.Unlock()
		ws.Close()
		return fmt.Errorf("connection closed")
	default:
	}
	c.ws = ws
	c.done = done
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.url)

	c.wg.Add(2)
	go c.readLoop(ws, done)
	go c.writeLoop(ws, done)

	return nil
}

// Disconnect closes the current socket without reconnecting
func (c *Connection) Disconnect() {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws != nil && c.teardown(ws) {
		c.logf("Disconnected from %s", c.url)
	}
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.Disconnect()
		c.wg.Wait()
		close(c.incoming)
		close(c.errors)
		close(c.stateChange)
	})
}

// Send queues an action for the server. payload may be nil.
func (c *Connection) Send(action, requestID string, payload any) error {
	in := &protocol.Inbound{Action: action, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", action, err)
		}
		in.Payload = raw
	}

	select {
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.outgoing <- in:
		return nil
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// Incoming returns the channel of decoded server messages
func (c *Connection) Incoming() <-chan *Message {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server URL
func (c *Connection) GetAddress() string {
	return c.url
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// readLoop decodes server frames until the socket fails
func (c *Connection) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logf("Read error: %v", err)
			c.handleDisconnect(ws, fmt.Errorf("read error: %w", err))
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		var frame protocol.Outbound
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reportError(fmt.Errorf("invalid frame: %w", err))
			continue
		}
		env, err := protocol.DecodeEnvelope(&frame)
		if err != nil {
			c.reportError(err)
			continue
		}

		c.logf("← RECV: %s on %s (%d bytes)", frame.Kind, frame.Destination, len(data))

		select {
		case c.incoming <- &Message{Destination: frame.Destination, Envelope: env}:
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued actions on the current socket
func (c *Connection) writeLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case in := <-c.outgoing:
			data, err := json.Marshal(in)
			if err != nil {
				c.reportError(fmt.Errorf("encode error: %w", err))
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logf("Write error: %v", err)
				c.handleDisconnect(ws, fmt.Errorf("write error: %w", err))
				return
			}
			c.bytesSent.Add(uint64(len(data)))
			c.logf("→ SEND: %s (%d bytes)", in.Action, len(data))

		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// teardown closes ws if it is still the current socket. It reports whether
// this call did the work.
func (c *Connection) teardown(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws || !c.connected {
		return false
	}
	c.connected = false
	c.ws = nil
	close(c.done)
	ws.Close()
	return true
}

// handleDisconnect handles unexpected disconnection
func (c *Connection) handleDisconnect(ws *websocket.Conn, cause error) {
	if !c.teardown(ws) {
		return
	}

	c.logf("Disconnected from server: %v", cause)
	c.reportError(cause)

	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: cause}:
	default:
	}

	c.mu.RLock()
	reconnect := c.autoReconnect
	c.mu.RUnlock()

	select {
	case <-c.shutdown:
		return
	default:
	}
	if reconnect {
		c.logf("Auto-reconnect enabled, starting reconnect loop")
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
			c.logf("Reconnect attempt %d to %s", attempt, c.url)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			if err := c.Connect(); err != nil {
				c.logf("Reconnect attempt %d failed: %v", attempt, err)
				if errors.Is(err, ErrUnauthorized) {
					c.reportError(err)
					return
				}

				// Exponential backoff
				delay = delay * 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				attempt++
				continue
			}

			c.logf("Reconnected successfully after %d attempts", attempt)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}
			return
		}
	}
}

// parseServerURL normalizes a server address to the WebSocket endpoint URL
func parseServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server address is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q (use ws, wss, http or https)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
