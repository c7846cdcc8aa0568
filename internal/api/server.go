// Package api provides the HTTP REST API and WebSocket server for SmartLock Core.
//
// It exposes device trust operations (registration, provisioning, blocking),
// firmware distribution, the notification feed and real-time rollout and
// alert events to admin tooling.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smartlock-io/smartlock-core/internal/accesslog"
	"github.com/smartlock-io/smartlock-core/internal/alert"
	"github.com/smartlock-io/smartlock-core/internal/ca"
	"github.com/smartlock-io/smartlock-core/internal/device"
	"github.com/smartlock-io/smartlock-core/internal/firmware"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/notify"
	"github.com/smartlock-io/smartlock-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// WebSocket broadcast channels.
const (
	ChannelOTAProgress   = "ota.progress"
	ChannelSecurityAlert = "security.alert"
	ChannelDeviceStatus  = "device.status"
)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	WS            config.WebSocketConfig
	Security      config.SecurityConfig
	Logger        *logging.Logger
	CA            *ca.Manager
	Devices       *device.Service
	DeviceRepo    device.Repository
	StatusTracker *device.StatusTracker
	Verifier      *session.Verifier
	Firmware      *firmware.Service
	Alerts        *alert.Detector
	Notifications notify.Repository
	AccessLog     accesslog.Repository
	ExternalHub   *Hub // If set, the server uses this hub instead of creating its own
	Version       string
}

// Server is the HTTP API server for SmartLock Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	ca            *ca.Manager
	devices       *device.Service
	deviceRepo    device.Repository
	statusTracker *device.StatusTracker
	verifier      *session.Verifier
	firmware      *firmware.Service
	alerts        *alert.Detector
	notifications notify.Repository
	accessLog     accesslog.Repository
	version       string
	server        *http.Server
	hub           *Hub
	externalHub   bool               // true if hub was injected externally
	cancel        context.CancelFunc // cancels background goroutines on Close()
	tickets       *ticketStore
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, CA, device service)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.CA == nil {
		return nil, fmt.Errorf("certificate authority is required")
	}
	if deps.Devices == nil || deps.DeviceRepo == nil {
		return nil, fmt.Errorf("device service and repository are required")
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		ca:            deps.CA,
		devices:       deps.Devices,
		deviceRepo:    deps.DeviceRepo,
		statusTracker: deps.StatusTracker,
		verifier:      deps.Verifier,
		firmware:      deps.Firmware,
		alerts:        deps.Alerts,
		notifications: deps.Notifications,
		accessLog:     deps.AccessLog,
		version:       deps.Version,
		tickets:       newTicketStore(),
	}

	// Use externally-provided hub if available.
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, wires rollout and alert
// events into the hub for real-time broadcast, and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	// Create WebSocket hub (unless one was injected externally)
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	// Start periodic ticket cleanup to prevent memory leaks
	go s.cleanTicketsLoop(srvCtx)

	s.wireBroadcasts()

	// Build router
	router := s.buildRouter()

	// Create HTTP server
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// wireBroadcasts connects domain event callbacks to the WebSocket hub.
func (s *Server) wireBroadcasts() {
	if s.firmware != nil {
		s.firmware.OnProgress = func(deviceID string, rollout firmware.Rollout) {
			s.hub.Broadcast(ChannelOTAProgress, rollout)
		}
	}
	if s.alerts != nil {
		s.alerts.OnAlert = func(deviceID string, n notify.Notification) {
			s.hub.Broadcast(ChannelSecurityAlert, n)
		}
	}
	if s.statusTracker != nil {
		s.statusTracker.OnChange = s.broadcastStatus
	}
}

// broadcastStatus pushes a device status change to connected observers.
// Also used by the block/unblock handlers, which change status without a
// presence report. Safe to call before Start, when no hub exists yet.
func (s *Server) broadcastStatus(deviceID string, status device.Status) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ChannelDeviceStatus, map[string]any{
		"device_id": deviceID,
		"status":    status,
	})
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
