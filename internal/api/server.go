package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/masterbox-relay/internal/cloudlink"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/database"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/masterbox-relay/internal/journal"
	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Relay is the part of the relay engine the REST endpoints drive.
type Relay interface {
	SlaveConnected(macAddress string) error
	SlaveDisconnected(macAddress string) error
}

// LinkStatus reports the Cloud Link state.
type LinkStatus interface {
	Status() cloudlink.Status
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Hub      *Hub
	Relay    Relay
	Link     LinkStatus             // optional
	MQTT     *mqtt.Client           // optional
	Journal  journal.Repository     // optional
	DB       *database.DB           // optional
	Registry *subscription.Registry // optional
	Gatherer prometheus.Gatherer    // optional; serves /metrics when set
	Version  string
}

// Server is the HTTP server for the REST endpoints and local peers.
//
// The server is created with New() and started with Start():
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	hub       *Hub
	relay     Relay
	link      LinkStatus
	mqtt      *mqtt.Client
	journal   journal.Repository
	db        *database.DB
	registry  *subscription.Registry
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		hub:       deps.Hub,
		relay:     deps.Relay,
		link:      deps.Link,
		mqtt:      deps.MQTT,
		journal:   deps.Journal,
		db:        deps.DB,
		registry:  deps.Registry,
		gatherer:  deps.Gatherer,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start binds the listener and serves HTTP in a background goroutine.
// Binding happens synchronously so that a port conflict is reported here.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
