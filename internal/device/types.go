package device

import "time"

// Status is the lifecycle state of a lock device.
type Status string

// Device lifecycle states.
//
// A device starts as StatusPending when registered, becomes
// StatusRegistered once provisioning completes, then moves between
// StatusOnline and StatusOffline as it connects and disconnects.
// StatusBlocked is a terminal administrative state that only an
// explicit unblock can leave.
const (
	StatusPending    Status = "pending"
	StatusRegistered Status = "registered"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRegistered, StatusOnline, StatusOffline, StatusBlocked:
		return true
	}
	return false
}

// Metadata is free-form device metadata stored as JSON.
// Used for block reasons, hardware revisions and installer notes.
type Metadata map[string]any

// Device represents a lock in the fleet.
// This matches the devices table in the initial schema migration.
type Device struct {
	// Identity
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`

	// Hardware classification. Registration fills in fleet defaults when
	// the caller leaves these empty.
	Type  string `json:"type"`
	Model string `json:"model"`

	// OrganizationID references the owning organisation. Organisation
	// management lives outside this service, so this is an opaque
	// reference, never a foreign key.
	OrganizationID *string `json:"organization_id,omitempty"`

	// Lifecycle
	Status Status `json:"status"`

	// Provisioning
	ProvisioningToken *string    `json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`

	// Device key and issued certificate. The public key is submitted by
	// the device at provisioning; the private half never leaves the lock.
	PublicKeyPEM      *string `json:"-"`
	CertificateSerial *string `json:"certificate_serial,omitempty"`
	CertificatePEM    *string `json:"-"`

	// Firmware
	FirmwareVersion string `json:"firmware_version"`

	// Metadata
	Metadata Metadata `json:"metadata"`

	// Presence
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenValid reports whether the device holds a provisioning token that
// has not yet expired at the given instant.
func (d *Device) TokenValid(now time.Time) bool {
	return d.ProvisioningToken != nil &&
		d.TokenExpiresAt != nil &&
		now.Before(*d.TokenExpiresAt)
}

// Blocked reports whether the device is administratively blocked.
func (d *Device) Blocked() bool {
	return d.Status == StatusBlocked
}
