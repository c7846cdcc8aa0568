package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Device-facing endpoints. These are called by the locks themselves
		// before or outside an operator session: the root certificate
		// bootstraps trust, provisioning authenticates with the one-time
		// token, and downloads are verified on-device against the signed
		// manifest.
		r.Get("/ca-certificate", s.handleCACertificate)
		r.Post("/devices/{deviceID}/provision", s.handleCompleteProvisioning)
		r.Get("/ota/download/{artifactID}", s.handleDownload)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - user must be logged in to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Device endpoints
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.With(s.requireAdmin).Post("/register", s.handleRegisterDevice)

				r.Route("/{deviceID}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/session", s.handleVerifySession)
					r.Get("/access-log", s.handleDeviceAccessLog)
					r.Get("/rollouts", s.handleDeviceRollouts)
					r.Post("/unlock", s.handleUnlock)

					r.With(s.requireAdmin).Post("/block", s.handleBlockDevice)
					r.With(s.requireAdmin).Post("/unblock", s.handleUnblockDevice)
				})
			})

			// Firmware endpoints
			r.Route("/ota", func(r chi.Router) {
				r.Get("/firmwares", s.handleListFirmwares)
				r.Get("/rollouts/{updateID}", s.handleUpdateRollouts)

				r.With(s.requireAdmin).Post("/upload", s.handleUpload)
				r.With(s.requireAdmin).Post("/push", s.handlePush)
				r.With(s.requireAdmin).Patch("/firmwares/{version}/active", s.handleSetFirmwareActive)
			})

			// Notification endpoints
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleListNotifications)
				r.Post("/{notificationID}/read", s.handleMarkNotificationRead)
			})

			// WebSocket (auth via ticket, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
