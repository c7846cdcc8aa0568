// Package accesslog records authentication attempts reported by lock
// devices and answers the sliding-window queries the security alert
// detector depends on.
package accesslog

import "time"

// Method identifies how an access attempt was made.
type Method string

// Access methods reported by lock firmware.
const (
	MethodRFID        Method = "rfid"
	MethodFingerprint Method = "fingerprint"
	MethodFace        Method = "face"
	MethodRemote      Method = "remote"

	// MethodProvision audits provisioning lifecycle events rather than
	// door access. Always recorded as a success; never counted by the
	// alert detector, which only looks at failures.
	MethodProvision Method = "provision"
)

// Valid reports whether the method is one of the known access methods.
func (m Method) Valid() bool {
	switch m {
	case MethodRFID, MethodFingerprint, MethodFace, MethodRemote, MethodProvision:
		return true
	}
	return false
}

// Attempt is a single recorded access attempt.
type Attempt struct {
	ID       string  `json:"id"`
	DeviceID string  `json:"device_id"`
	UserID   *string `json:"user_id,omitempty"`
	Method   Method  `json:"method"`
	Success  bool    `json:"success"`

	// Reason describes why a failed attempt was refused
	// (e.g. "no_match", "unknown_finger", "liveness_failed").
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
