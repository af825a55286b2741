package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/component"
	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/upload"
)

// Route paths served by Handler.
const (
	PathWebSocket = "/live/ws"
	PathDebug     = "/live/debug"
	PathMetrics   = "/metrics"
	PathHealth    = "/healthz"
	PathUploads   = "/uploads"
)

// Server is the HTTP/WebSocket front of the sync engine.
type Server struct {
	config   *Config
	manager  *Manager
	upgrader websocket.Upgrader
	router   chi.Router
	bus      *debugbus.Bus
	registry *prometheus.Registry
	store    upload.Store
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	cancelRun  context.CancelFunc
}

// New creates a Server. A nil config uses DefaultConfig; zero fields of a
// given config are filled from it.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.fill()

	logger := slog.Default().With("component", "server")

	reg := config.MetricsRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := NewMetrics(reg)

	var bus *debugbus.Bus
	if config.Debug {
		busCfg := debugbus.DefaultConfig()
		if config.DebugBus != nil {
			c := *config.DebugBus
			busCfg = &c
		}
		busCfg.Enabled = true
		bus = debugbus.New(busCfg)
	}

	store := config.UploadStore
	if store == nil {
		store = upload.NewMemoryStore(PathUploads)
	}
	if len(config.RehydrationSecret) == 0 {
		logger.Warn("no rehydration secret configured; snapshots will not survive a restart")
	}

	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		bus:      bus,
		registry: reg,
		store:    store,
		logger:   logger,
	}
	s.manager = newManager(config, managerDeps{
		logger:  slog.Default(),
		metrics: metrics,
		bus:     bus,
		store:   store,
	})
	s.router = s.routes()
	return s
}

// Register adds component definitions.
func (s *Server) Register(defs ...*component.Definition) error {
	for _, def := range defs {
		if err := s.manager.registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Manager returns the connection manager.
func (s *Server) Manager() *Manager { return s.manager }

// Bus returns the debug bus, or nil when debugging is off.
func (s *Server) Bus() *debugbus.Bus { return s.bus }

// Config returns the effective configuration.
func (s *Server) Config() *Config { return s.config }

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware(s.config.AuthProvider, auth.MiddlewareConfig{
		CookieName: s.config.AuthCookie,
		Logger:     slog.Default(),
	}))

	r.Get(PathWebSocket, s.handleWebSocket)
	r.Get(PathHealth, s.handleHealth)
	r.Method(http.MethodGet, PathMetrics, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	r.Method(http.MethodGet, PathUploads+"/{id}", upload.ServeHandler(s.store))
	if s.bus != nil {
		r.Get(PathDebug, s.handleDebug)
	}
	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		s.manager.metrics.websocketError("upgrade")
		return
	}

	c, err := s.manager.OnConnect(ws, ac)
	if err != nil {
		s.logger.Warn("connection refused", "remote_addr", r.RemoteAddr, "error", err)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second),
		)
		_ = ws.Close()
		return
	}
	s.manager.Serve(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"stats":  s.manager.Stats(),
	})
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. Background sweeps run until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.mu.Lock()
	s.cancelRun = cancel
	s.httpServer = srv
	s.mu.Unlock()
	go s.manager.uploads.Run(ctx)

	s.logger.Info("server starting", "address", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run starts the server and shuts it down gracefully on SIGINT or SIGTERM.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown closes every connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, srv := s.cancelRun, s.httpServer
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var httpErr error
	if srv != nil {
		httpErr = srv.Shutdown(ctx)
	}
	err := s.manager.Shutdown(ctx)
	s.bus.Close()
	s.logger.Info("server stopped")
	return errors.Join(httpErr, err)
}
