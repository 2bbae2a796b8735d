package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/database"
	"github.com/trackify/realtime/pkg/presence"
	"github.com/trackify/realtime/pkg/registry"
	"github.com/trackify/realtime/pkg/router"
)

// Server is the Trackify realtime server
type Server struct {
	config       ServerConfig
	db           *database.DB
	sessions     *registry.Registry
	hub          *Hub
	router       *router.Router
	lifecycle    *Lifecycle
	handlers     *Handlers
	auth         auth.Authenticator
	metrics      *Metrics
	promRegistry *prometheus.Registry
	mirror       *presence.Mirror
	tracer       trace.Tracer

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu  sync.Mutex // orders new connections against Stop
	closing bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	JWTSecret      string
	JWTIssuer      string
	AllowAnonymous bool
	Admins         []string

	MessageRateLimit int   // per minute, per connection
	MessageBurst     int   // frames
	MaxMessageBytes  int64 // per inbound frame
	WriteTimeout     time.Duration
	SessionTimeout   time.Duration // no frame or pong for this long closes the connection

	DatabasePath string

	RedisAddr          string // empty disables the presence mirror
	RedisPassword      string
	RedisDB            int
	RedisKeyPrefix     string
	RedisFlushInterval time.Duration

	ServiceName string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ShutdownTimeout:    10 * time.Second,
		JWTIssuer:          "trackify",
		AllowAnonymous:     true,
		MessageRateLimit:   120,
		MessageBurst:       20,
		MaxMessageBytes:    64 * 1024,
		WriteTimeout:       5 * time.Second,
		SessionTimeout:     60 * time.Second,
		DatabasePath:       "trackify.db",
		RedisKeyPrefix:     "trackify",
		RedisFlushInterval: 250 * time.Millisecond,
		ServiceName:        "trackify-realtime",
	}
}

// withDefaults fills zero durations and limits that would break the
// connection loop.
func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultConfig()
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MessageRateLimit <= 0 {
		c.MessageRateLimit = d.MessageRateLimit
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = d.MessageBurst
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.DatabasePath == "" {
		c.DatabasePath = d.DatabasePath
	}
	return c
}

// NewServer wires the registry, router, transport and persistence together.
// Call Start to begin serving.
func NewServer(config ServerConfig) (*Server, error) {
	config = config.withDefaults()

	secret := config.JWTSecret
	if secret == "" {
		var err error
		if secret, err = randomSecret(); err != nil {
			return nil, err
		}
		log.Printf("WARNING: auth.jwt_secret is not set; using a random secret, tokens will not verify across restarts")
	}
	authn, err := auth.NewJWTAuthenticator(secret, config.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	db, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sessions := registry.New()
	hub := NewHub()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promRegistry, sessions)
	sessions.AddObserver(metrics)

	rt := router.New(sessions, hub, db)
	rt.SetMetrics(metrics)
	rt.SetLogger(errorLog)

	handlers := NewHandlers(db, db, rt, NewDashboardService(db, rt))
	handlers.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       config,
		db:           db,
		sessions:     sessions,
		hub:          hub,
		router:       rt,
		lifecycle:    NewLifecycle(sessions, rt),
		handlers:     handlers,
		auth:         authn,
		metrics:      metrics,
		promRegistry: promRegistry,
		tracer:       otel.Tracer(config.ServiceName),
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	if config.RedisAddr != "" {
		store := presence.NewRedisStore(config.RedisAddr, config.RedisPassword, config.RedisDB, config.RedisKeyPrefix)
		s.mirror = presence.NewMirror(sessions, store, config.RedisFlushInterval)
		sessions.AddObserver(s.mirror)
	}
	return s, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Start starts the presence mirror and the HTTP server
func (s *Server) Start() error {
	if s.mirror != nil {
		if err := s.mirror.Start(s.ctx); err != nil {
			return err
		}
		log.Printf("Presence mirror writing to redis at %s", s.config.RedisAddr)
	}

	listener, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("HTTP server listening on %s", listener.Addr())
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the session registry
func (s *Server) Registry() *registry.Registry {
	return s.sessions
}

// DB returns the persistence layer
func (s *Server) DB() *database.DB {
	return s.db
}

// Stop gracefully stops the server: no new connections are accepted, open
// connections are closed and their disconnect paths run, then the presence
// mirror flushes and the database closes.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.connMu.Lock()
		s.closing = true
		s.connMu.Unlock()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			if e := s.httpServer.Shutdown(ctx); e != nil {
				errorLog.Printf("HTTP shutdown: %v", e)
			}
			cancel()
		}

		s.cancel()
		// Hijacked WebSocket connections are not closed by Shutdown
		s.hub.CloseAll()
		s.wg.Wait()

		if s.mirror != nil {
			if e := s.mirror.Stop(); e != nil {
				errorLog.Printf("Presence mirror stop: %v", e)
			}
		}
		err = s.db.Close()
	})
	return err
}
