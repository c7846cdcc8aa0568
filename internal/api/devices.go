package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/smartlock-io/smartlock-core/internal/accesslog"
	"github.com/smartlock-io/smartlock-core/internal/ca"
	"github.com/smartlock-io/smartlock-core/internal/device"
	"github.com/smartlock-io/smartlock-core/internal/notify"
)

// handleCACertificate returns the root CA certificate in PEM form.
// Locks fetch this once during provisioning to anchor their trust chain.
func (s *Server) handleCACertificate(w http.ResponseWriter, _ *http.Request) {
	pem, err := s.ca.RootCertificatePEM()
	if err != nil {
		if errors.Is(err, ca.ErrNotInitialised) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "certificate authority not ready")
			return
		}
		writeInternalError(w, "failed to load root certificate")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"ca_certificate": string(pem),
	})
}

// registerDeviceRequest is the request body for POST /devices/register.
// Type and model are optional; the fleet defaults are applied when absent.
type registerDeviceRequest struct {
	DeviceID       string `json:"device_id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Model          string `json:"model"`
	OrganizationID string `json:"organization_id"`
}

// handleRegisterDevice creates (or re-arms) a device and publishes its
// provisioning credentials over MQTT.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.devices.RegisterDevice(r.Context(), device.Registration{
		DeviceID:       req.DeviceID,
		Name:           req.Name,
		Type:           req.Type,
		Model:          req.Model,
		OrganizationID: req.OrganizationID,
	})
	if err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidDeviceID):
			writeBadRequest(w, "invalid device id")
		case errors.Is(err, device.ErrProvisioningConflict):
			writeConflict(w, "device is already provisioned")
		case errors.Is(err, device.ErrDeviceBlocked):
			writeForbidden(w, "device is blocked")
		default:
			writeInternalError(w, "failed to register device")
		}
		return
	}

	s.auditProvision(r.Context(), result.Device.DeviceID, "provision_init")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"device_id":     result.Device.DeviceID,
		"status":        result.Device.Status,
		"token_expires": result.ExpiresAt,
		"reissued":      result.Reissued,
	})
}

// auditProvision records a provisioning lifecycle event in the access log.
// Audit failures are logged, never surfaced to the caller.
func (s *Server) auditProvision(ctx context.Context, deviceID, event string) {
	if s.accessLog == nil {
		return
	}
	attempt := &accesslog.Attempt{
		DeviceID: deviceID,
		Method:   accesslog.MethodProvision,
		Success:  true,
		Reason:   event,
	}
	if err := s.accessLog.Record(ctx, attempt); err != nil {
		s.logger.Warn("recording provisioning audit failed",
			"device_id", deviceID,
			"error", err,
		)
	}
}

// provisionRequest is the request body for POST /devices/{deviceID}/provision.
// The public key is generated on the lock; its private half never leaves it.
type provisionRequest struct {
	Token     string `json:"token"`
	PublicKey string `json:"public_key"`
}

// handleCompleteProvisioning exchanges a valid provisioning token for a
// device certificate. This endpoint is called by the lock itself and is
// authenticated by the token, not a JWT.
func (s *Server) handleCompleteProvisioning(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.PublicKey == "" {
		writeBadRequest(w, "public_key is required")
		return
	}

	cert, err := s.devices.CompleteProvisioning(r.Context(), deviceID, req.Token, []byte(req.PublicKey))
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrTokenMismatch), errors.Is(err, device.ErrTokenExpired):
			writeUnauthorized(w, "invalid or expired provisioning token")
		case errors.Is(err, device.ErrDeviceBlocked):
			writeForbidden(w, "device is blocked")
		case errors.Is(err, device.ErrNotPending):
			writeConflict(w, "device is not awaiting provisioning")
		case errors.Is(err, ca.ErrInvalidPublicKey):
			writeBadRequest(w, "malformed public key")
		default:
			writeInternalError(w, "failed to complete provisioning")
		}
		return
	}

	rootPEM, err := s.ca.RootCertificatePEM()
	if err != nil {
		writeInternalError(w, "failed to load root certificate")
		return
	}

	s.auditProvision(r.Context(), deviceID, "provision_complete")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"serial":         cert.Serial,
		"certificate":    string(cert.CertificatePEM),
		"ca_certificate": string(rootPEM),
		"not_after":      cert.NotAfter,
	})
}

// handleListDevices returns the device fleet, optionally filtered by status.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var (
		devices []device.Device
		err     error
	)

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		status := device.Status(statusParam)
		if !status.Valid() {
			writeBadRequest(w, "unknown status filter")
			return
		}
		devices, err = s.deviceRepo.ListByStatus(r.Context(), status)
	} else {
		devices, err = s.deviceRepo.List(r.Context())
	}
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(devices),
		"devices": devices,
	})
}

// handleGetDevice returns a single device by its fleet identifier.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.deviceRepo.GetByDeviceID(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to load device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  dev,
	})
}

// handleVerifySession reports whether a device currently holds a valid
// session. The response carries a specific reason when it does not.
func (s *Server) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	result := s.verifier.VerifyDeviceSession(r.Context(), deviceID)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": result,
	})
}

// handleUnlock sends a remote unlock command to a device.
// The command is refused unless the device holds a valid session.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	session := s.verifier.VerifyDeviceSession(r.Context(), deviceID)
	if !session.Valid {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"reason":  session.Reason,
		})
		return
	}

	requestedBy := "unknown"
	if claims := claimsFromContext(r.Context()); claims != nil {
		requestedBy = claims.Subject
	}

	if err := s.devices.SendUnlock(r.Context(), deviceID, requestedBy); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrDeviceBlocked):
			writeForbidden(w, "device is blocked")
		case errors.Is(err, device.ErrInvalidStatus):
			writeConflict(w, "device is not online")
		default:
			writeInternalError(w, "failed to send unlock command")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// blockRequest is the request body for POST /devices/{deviceID}/block.
type blockRequest struct {
	Reason string `json:"reason"`
}

// handleBlockDevice blocks a device, cutting it off from unlock commands,
// firmware pushes and session validity until explicitly unblocked.
func (s *Server) handleBlockDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, err := s.devices.BlockDevice(r.Context(), deviceID, req.Reason)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to block device")
		return
	}

	if s.notifications != nil {
		n := &notify.Notification{
			Type:     notify.TypeDeviceBlocked,
			DeviceID: &dev.DeviceID,
			Title:    "Device blocked",
			Message:  fmt.Sprintf("Device %s has been blocked", dev.DeviceID),
			Metadata: notify.Metadata{"reason": req.Reason},
		}
		if err := s.notifications.Create(r.Context(), n); err != nil {
			s.logger.Warn("recording block notification failed",
				"device_id", deviceID,
				"error", err,
			)
		}
	}

	s.broadcastStatus(deviceID, dev.Status)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  dev,
	})
}

// handleUnblockDevice lifts a block.
func (s *Server) handleUnblockDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.devices.UnblockDevice(r.Context(), deviceID)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrNotBlocked):
			writeConflict(w, "device is not blocked")
		default:
			writeInternalError(w, "failed to unblock device")
		}
		return
	}

	s.broadcastStatus(deviceID, dev.Status)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  dev,
	})
}

// defaultAccessLogLimit bounds access-log responses when no limit is given.
const defaultAccessLogLimit = 50

// handleDeviceAccessLog returns a device's recent access attempts.
func (s *Server) handleDeviceAccessLog(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	limit := queryLimit(r, defaultAccessLogLimit)

	attempts, err := s.accessLog.ListByDevice(r.Context(), deviceID, limit)
	if err != nil {
		writeInternalError(w, "failed to load access log")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(attempts),
		"attempts": attempts,
	})
}

// queryLimit parses the limit query parameter, falling back to a default.
func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
