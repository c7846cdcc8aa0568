package firmware

import "time"

// RolloutStatus is the state of one device's progress through an update batch.
type RolloutStatus string

// Rollout states. Terminal states are absorbing: once a rollout is
// completed or failed, later progress reports are ignored.
const (
	RolloutPending    RolloutStatus = "pending"
	RolloutInProgress RolloutStatus = "in_progress"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutCompleted || s == RolloutFailed
}

// Firmware is a signed firmware artifact available for distribution.
type Firmware struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Size     int64  `json:"size_bytes"`

	// SHA256 is the lowercase hex digest of the artifact.
	SHA256 string `json:"sha256"`

	// Signature is the base64 detached RSA-SHA256 signature over the
	// hex digest string, produced with the OTA signing key.
	Signature string `json:"signature"`

	// Active gates distribution. A deactivated artifact stays on disk
	// and in the catalogue but can no longer be pushed.
	Active bool `json:"active"`

	// UploadedBy is the authenticated user that uploaded the artifact.
	UploadedBy string `json:"uploaded_by,omitempty"`

	ReleaseNotes string    `json:"release_notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Rollout tracks one device's participation in an update batch.
// All rollouts in a batch share an update ID.
type Rollout struct {
	ID          string        `json:"id"`
	UpdateID    string        `json:"update_id"`
	FirmwareID  string        `json:"firmware_id"`
	DeviceID    string        `json:"device_id"`
	FromVersion string        `json:"from_version,omitempty"`
	ToVersion   string        `json:"to_version"`
	Status      RolloutStatus `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Manifest is the update command published to a device at push time.
type Manifest struct {
	UpdateID    string `json:"update_id"`
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl"`
	SHA256      string `json:"sha256"`
	Signature   string `json:"signature"`
	Size        int64  `json:"size"`
}

// ProgressReport is the payload devices publish on their OTA progress topic.
type ProgressReport struct {
	UpdateID string `json:"update_id"`
	Percent  int    `json:"percent"`
	Message  string `json:"message,omitempty"`
}
