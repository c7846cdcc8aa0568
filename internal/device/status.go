package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/mqtt"
)

// SessionRecorder receives device presence transitions so live sessions
// can be opened and closed. Satisfied by *session.Store.
type SessionRecorder interface {
	Touch(deviceID string)
	Drop(deviceID string)
}

// statusReport is the payload devices publish on their status topic.
type statusReport struct {
	Status          string `json:"status"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// StatusTracker applies device presence reports from MQTT.
//
// Blocked devices never have their status overwritten by presence
// reports; the block survives reconnects until explicitly lifted.
// Pending devices are ignored entirely: presence cannot substitute
// for completing provisioning.
type StatusTracker struct {
	repo     Repository
	sessions SessionRecorder
	logger   *logging.Logger

	// OnChange, if set, is invoked after a presence update is applied.
	// Used to fan updates out to websocket clients.
	OnChange func(deviceID string, status Status)
}

// NewStatusTracker creates a StatusTracker.
func NewStatusTracker(repo Repository, sessions SessionRecorder, logger *logging.Logger) *StatusTracker {
	return &StatusTracker{
		repo:     repo,
		sessions: sessions,
		logger:   logger.With("component", "status"),
	}
}

// HandleStatus processes a presence report published on a device status topic.
// Unknown devices are logged and dropped; a lock cannot announce itself into
// existence without registering first.
func (t *StatusTracker) HandleStatus(ctx context.Context, topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("unparseable status topic: %s", topic)
	}

	var report statusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("parsing status payload: %w", err)
	}

	var status Status
	switch report.Status {
	case "online":
		status = StatusOnline
	case "offline":
		status = StatusOffline
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, report.Status)
	}

	dev, err := t.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			t.logger.Warn("status report from unknown device", "device_id", deviceID)
			return nil
		}
		return err
	}

	// A pending device has not completed provisioning; a presence report
	// must not promote it to online or open a session for it.
	if dev.Status == StatusPending {
		t.logger.Warn("status report from unprovisioned device", "device_id", deviceID)
		return nil
	}

	now := time.Now().UTC()
	if err := t.repo.UpdatePresence(ctx, deviceID, status, now); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			t.logger.Warn("status report from unknown device", "device_id", deviceID)
			return nil
		}
		return err
	}

	if report.FirmwareVersion != "" {
		if err := t.repo.UpdateFirmwareVersion(ctx, deviceID, report.FirmwareVersion); err != nil {
			t.logger.Warn("recording firmware version failed",
				"device_id", deviceID,
				"error", err,
			)
		}
	}

	if t.sessions != nil {
		if status == StatusOnline {
			t.sessions.Touch(deviceID)
		} else {
			t.sessions.Drop(deviceID)
		}
	}

	t.logger.Debug("device presence updated", "device_id", deviceID, "status", string(status))

	if t.OnChange != nil {
		t.OnChange(deviceID, status)
	}
	return nil
}
