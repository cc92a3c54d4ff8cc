// Package toolserver provides a server-push tool server: clients hold a
// long-lived GET returning named text events and submit JSON-RPC tools/call
// requests to the endpoint announced by the handshake event. Results and
// progress never travel on the HTTP response; they are published to the
// session's stream through a PubSub bus.
//
// The package exists so the repository's integration tests and the runnable
// example are self-contained; it is a harness, not a production MCP server.
package toolserver

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address, defaulting to ":3000".
	Addr string

	// StreamPath serves the push stream, defaulting to "/sse".
	StreamPath string

	// MessagePath receives JSON-RPC submissions, defaulting to "/messages".
	MessagePath string

	// KeepAliveInterval between comment lines on idle streams.
	KeepAliveInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown in Listen.
	ShutdownTimeout time.Duration

	// PubSub fans tool results out to sessions. Nil creates a LocalPubSub,
	// which the server then owns and closes on Stop.
	PubSub PubSub

	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":3000",
		StreamPath:        "/sse",
		MessagePath:       "/messages",
		KeepAliveInterval: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// ToolHandler executes one tool invocation. The returned value is published
// as the JSON-RPC result; a returned error becomes a JSON-RPC error response.
type ToolHandler func(ctx *ToolContext) (interface{}, error)

// Server hosts the stream and submission endpoints plus a tool registry.
type Server struct {
	config *Config
	server *http.Server
	logger *slog.Logger

	bus     PubSub
	ownsBus bool

	toolsMu sync.RWMutex
	tools   map[string]ToolHandler

	sessionsMu sync.RWMutex
	sessions   map[string]*session

	mutex     sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a tool server with the provided configuration. Nil or
// partially filled configs are completed with defaults.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		cfgCopy := *config
		config = &cfgCopy
	}
	if config.Addr == "" {
		config.Addr = ":3000"
	}
	if config.StreamPath == "" {
		config.StreamPath = "/sse"
	}
	if config.MessagePath == "" {
		config.MessagePath = "/messages"
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := config.PubSub
	ownsBus := false
	if bus == nil {
		bus = NewLocalPubSub(ctx, 100)
		ownsBus = true
	}

	s := &Server{
		config:   config,
		logger:   config.Logger,
		bus:      bus,
		ownsBus:  ownsBus,
		tools:    make(map[string]ToolHandler),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: s.Handler(),
		// No WriteTimeout: it would sever long-lived streams.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// HandleTool registers (or replaces) the handler invoked for tools/call
// requests naming the given tool.
func (s *Server) HandleTool(name string, handler ToolHandler) {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	s.tools[name] = handler
}

// Handler returns the HTTP handler serving the stream and submission routes,
// suitable for mounting in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.StreamPath, s.handleStream)
	mux.HandleFunc(s.config.MessagePath, s.handleMessage)
	return mux
}

// Start begins listening on the configured address in a background goroutine
// and returns immediately. It returns an error if the server is already
// running.
func (s *Server) Start() error {
	s.mutex.Lock()
	if s.isRunning {
		s.mutex.Unlock()
		return errServerRunning
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("server stopped", "error", err)
		}
		s.mutex.Lock()
		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully within the configured timeout.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Stop(s.config.ShutdownTimeout)
}

// Stop closes all sessions, shuts the HTTP server down gracefully within
// timeout, and closes the bus if the server owns it.
func (s *Server) Stop(timeout time.Duration) error {
	s.cancel()

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)

	if s.ownsBus {
		if closeErr := s.bus.Close(); err == nil {
			err = closeErr
		}
	}

	s.mutex.Lock()
	s.isRunning = false
	s.mutex.Unlock()

	return err
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.isRunning
}

func (s *Server) registerSession(sess *session) {
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
}

func (s *Server) unregisterSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

func (s *Server) lookupSession(id string) *session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return s.sessions[id]
}
