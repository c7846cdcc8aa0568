// Package notify persists operator-facing notifications such as security
// alerts and device block events.
package notify

import "time"

// Notification types emitted by the service.
const (
	TypeSecurityAlert  = "security_alert"
	TypeDeviceBlocked  = "device_blocked"
	TypeUpdateFailed   = "update_failed"
	TypeUpdateFinished = "update_finished"
)

// Metadata is free-form notification context stored as JSON.
type Metadata map[string]any

// Notification is an operator-facing event record.
type Notification struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	DeviceID *string  `json:"device_id,omitempty"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Metadata Metadata `json:"metadata,omitempty"`
	Read     bool     `json:"read"`

	CreatedAt time.Time `json:"created_at"`
}
