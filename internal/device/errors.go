package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDeviceID is returned when a device identifier is empty or malformed.
	ErrInvalidDeviceID = errors.New("device: invalid device id")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrDeviceBlocked is returned when an operation is attempted on a blocked device.
	ErrDeviceBlocked = errors.New("device: blocked")

	// ErrNotBlocked is returned when unblocking a device that is not blocked.
	ErrNotBlocked = errors.New("device: not blocked")

	// ErrProvisioningConflict is returned when registering a device that has
	// already completed provisioning.
	ErrProvisioningConflict = errors.New("device: already provisioned")

	// ErrTokenExpired is returned when completing provisioning with an expired token.
	ErrTokenExpired = errors.New("device: provisioning token expired")

	// ErrTokenMismatch is returned when the presented token does not match
	// the one issued for the device.
	ErrTokenMismatch = errors.New("device: provisioning token mismatch")

	// ErrNotPending is returned when completing provisioning for a device
	// that is not awaiting provisioning.
	ErrNotPending = errors.New("device: not awaiting provisioning")
)
