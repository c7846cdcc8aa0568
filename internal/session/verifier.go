package session

import (
	"context"
	"errors"

	"github.com/smartlock-io/smartlock-core/internal/device"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
)

// Verification failure reasons returned to access controllers.
const (
	ReasonDeviceNotFound = "device_not_found"
	ReasonDeviceBlocked  = "device_blocked"
	ReasonNotProvisioned = "device_not_provisioned"
	ReasonDeviceOffline  = "device_offline"
	ReasonSessionExpired = "session_expired"
)

// Result is the outcome of a session verification.
// When Valid is false, Reason carries a machine-readable explanation.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// DeviceGetter is the device lookup surface the verifier needs.
// Satisfied by device.Repository.
type DeviceGetter interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*device.Device, error)
}

// Verifier answers "can this device be trusted right now" for every
// access decision: fingerprint, face, PIN and remote unlock all consult
// it before acting.
type Verifier struct {
	devices  DeviceGetter
	sessions *Store
	logger   *logging.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(devices DeviceGetter, sessions *Store, logger *logging.Logger) *Verifier {
	return &Verifier{
		devices:  devices,
		sessions: sessions,
		logger:   logger.With("component", "session"),
	}
}

// VerifyDeviceSession checks that a device is known, not blocked, has
// completed provisioning, is online and holds a live session.
//
// Verification never errors towards the caller: any failure mode maps to
// an invalid Result with a reason, and infrastructure errors are logged
// and reported as not found. Access decisions must fail closed.
func (v *Verifier) VerifyDeviceSession(ctx context.Context, deviceID string) Result {
	d, err := v.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, device.ErrDeviceNotFound) {
			v.logger.Error("device lookup failed during verification",
				"device_id", deviceID,
				"error", err,
			)
		}
		return Result{Valid: false, Reason: ReasonDeviceNotFound}
	}

	switch {
	case d.Blocked():
		return Result{Valid: false, Reason: ReasonDeviceBlocked}
	case d.Status == device.StatusPending:
		return Result{Valid: false, Reason: ReasonNotProvisioned}
	case d.Status != device.StatusOnline:
		return Result{Valid: false, Reason: ReasonDeviceOffline}
	case !v.sessions.Active(deviceID):
		return Result{Valid: false, Reason: ReasonSessionExpired}
	}

	return Result{Valid: true}
}
