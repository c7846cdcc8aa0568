package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/smartlock-io/smartlock-core/internal/firmware"
)

// uploadFormOverhead allows for multipart framing and metadata fields on top
// of the firmware binary itself.
const uploadFormOverhead = 64 << 10

// handleUpload accepts a firmware binary as multipart form data.
//
// Expected fields: "firmware" (the .bin file), "version" and optionally
// "release_notes". The binary is hashed and signed server-side; devices
// verify both before flashing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.firmwareMaxUpload()+uploadFormOverhead)

	file, header, err := r.FormFile("firmware")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "firmware image exceeds the upload limit")
			return
		}
		writeBadRequest(w, "firmware file field is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".bin") {
		writeBadRequest(w, "firmware must be a .bin image")
		return
	}

	version := r.FormValue("version")
	releaseNotes := r.FormValue("release_notes")

	uploadedBy := ""
	if claims := claimsFromContext(r.Context()); claims != nil {
		uploadedBy = claims.Subject
	}

	fw, err := s.firmware.Upload(r.Context(), version, releaseNotes, uploadedBy, file)
	if err != nil {
		switch {
		case errors.Is(err, firmware.ErrInvalidVersion):
			writeBadRequest(w, "invalid firmware version")
		case errors.Is(err, firmware.ErrVersionExists):
			writeConflict(w, "firmware version already exists")
		case errors.Is(err, firmware.ErrEmptyArtifact):
			writeBadRequest(w, "firmware image is empty")
		case errors.Is(err, firmware.ErrArtifactTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "firmware image exceeds the upload limit")
		default:
			writeInternalError(w, "failed to store firmware")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"firmware": fw,
	})
}

// pushRequest is the request body for POST /ota/push.
type pushRequest struct {
	DeviceIDs []string `json:"device_ids"`
	Version   string   `json:"version"`
}

// handlePush fans a firmware version out to a list of devices.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.firmware.Push(r.Context(), req.Version, req.DeviceIDs)
	if err != nil {
		switch {
		case errors.Is(err, firmware.ErrNoDevices):
			writeBadRequest(w, "device_ids must not be empty")
		case errors.Is(err, firmware.ErrFirmwareNotFound):
			writeNotFound(w, "firmware version not found")
		default:
			writeInternalError(w, "failed to push firmware")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"pushed_to": result.Pushed,
		"update_id": result.UpdateID,
	})
}

// setActiveRequest is the request body for PATCH /ota/firmwares/{version}/active.
type setActiveRequest struct {
	Active *bool `json:"active"`
}

// handleSetFirmwareActive activates or deactivates a firmware version.
// Deactivated versions are refused by push but stay downloadable for
// rollouts already in flight.
func (s *Server) handleSetFirmwareActive(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Active == nil {
		writeBadRequest(w, "active is required")
		return
	}

	fw, err := s.firmware.SetActive(r.Context(), version, *req.Active)
	if err != nil {
		if errors.Is(err, firmware.ErrFirmwareNotFound) {
			writeNotFound(w, "firmware version not found")
			return
		}
		writeInternalError(w, "failed to update firmware")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"firmware": fw,
	})
}

// handleDownload streams a firmware binary to the caller.
// Locks hit this endpoint with the artifact ID from their update manifest.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	fw, f, err := s.firmware.Open(r.Context(), artifactID)
	if err != nil {
		switch {
		case errors.Is(err, firmware.ErrFirmwareNotFound):
			writeNotFound(w, "firmware not found")
		case errors.Is(err, firmware.ErrFileMissing):
			// The record exists but the binary is gone. Surfacing this
			// loudly beats letting devices retry against a 404 forever.
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "firmware file missing from storage")
		default:
			writeInternalError(w, "failed to open firmware")
		}
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", fw.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fw.Filename))
	w.Header().Set("X-Firmware-SHA256", fw.SHA256)

	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("firmware download interrupted",
			"artifact_id", artifactID,
			"error", err)
	}
}

// handleListFirmwares returns all registered firmware versions.
func (s *Server) handleListFirmwares(w http.ResponseWriter, r *http.Request) {
	firmwares, err := s.firmware.Firmwares(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list firmwares")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"count":     len(firmwares),
		"firmwares": firmwares,
	})
}

// handleUpdateRollouts returns the per-device rollouts of one push.
func (s *Server) handleUpdateRollouts(w http.ResponseWriter, r *http.Request) {
	updateID := chi.URLParam(r, "updateID")

	rollouts, err := s.firmware.RolloutsForUpdate(r.Context(), updateID)
	if err != nil {
		writeInternalError(w, "failed to list rollouts")
		return
	}
	if len(rollouts) == 0 {
		writeNotFound(w, "update not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"update_id": updateID,
		"rollouts":  rollouts,
	})
}

// defaultRolloutLimit bounds device rollout history responses.
const defaultRolloutLimit = 20

// handleDeviceRollouts returns a device's rollout history, newest first.
func (s *Server) handleDeviceRollouts(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	limit := queryLimit(r, defaultRolloutLimit)

	rollouts, err := s.firmware.RolloutsForDevice(r.Context(), deviceID, limit)
	if err != nil {
		writeInternalError(w, "failed to list rollouts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(rollouts),
		"rollouts": rollouts,
	})
}

// firmwareMaxUpload returns the configured upload limit with a safe fallback.
func (s *Server) firmwareMaxUpload() int64 {
	if s.firmware == nil {
		return maxRequestBodySize
	}
	return s.firmware.MaxUploadBytes()
}
