// Package gateway is the stateless front of the relay: it terminates
// HTTP and websocket connections and routes every request to the room
// actor addressed by the room id. All room-level validation happens in
// the registry, not here.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/config"
	"github.com/wpcall/wpcall/internals/room"
	"github.com/wpcall/wpcall/internals/storage"
	"github.com/wpcall/wpcall/internals/utils"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

type Server struct {
	config   *config.Config
	logger   *zap.Logger
	store    storage.Store
	registry *room.Registry

	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config) (*Server, error) {
	logger := utils.GetLogger()

	var store storage.Store
	store, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("Redis connection failed, room state will not survive restarts", zap.Error(err))
		store = storage.NewMemoryStore()
	}

	return NewServerWithStore(cfg, store, room.Options{
		StoreTimeout:  cfg.Room.StoreTimeout,
		SweepInterval: cfg.Room.SweepInterval,
	}), nil
}

// NewServerWithStore wires the gateway onto an explicit store and
// registry options. Tests use it to inject a memory store and a fake
// clock.
func NewServerWithStore(cfg *config.Config, store storage.Store, opts room.Options) *Server {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	registry := room.NewRegistry(store, logger, opts)

	return &Server{
		config:   cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Start() error {
	s.logger.Info("Starting signaling server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	s.logger.Info("Stopping signaling server")
	s.cancel()
	s.registry.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Failed to close room store", zap.Error(err))
	}
}

// Handler builds the full route set. Start mounts it on the bound
// listener; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /room", s.corsMiddleware(s.handleCreateRoom))
	mux.HandleFunc("GET /room/{roomID}", s.corsMiddleware(s.handleRoomStatus))
	mux.HandleFunc("OPTIONS /room", s.corsMiddleware(s.handlePreflight))
	mux.HandleFunc("OPTIONS /room/{roomID}", s.corsMiddleware(s.handlePreflight))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return mux
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next(w, r)
	}
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte("wpcall signaling server"))
}
