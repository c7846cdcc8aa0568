package firmware

import "errors"

// Domain errors for the firmware package.
//
// These errors can be checked using errors.Is() for error handling.
var (
	// ErrFirmwareNotFound is returned when an artifact ID or version does not exist.
	ErrFirmwareNotFound = errors.New("firmware: not found")

	// ErrVersionExists is returned when uploading a version that already exists.
	ErrVersionExists = errors.New("firmware: version already exists")

	// ErrFileMissing is returned when an artifact record exists but its
	// binary is absent from disk. This is a data-integrity failure that
	// must be surfaced, never silently ignored.
	ErrFileMissing = errors.New("firmware: artifact file missing from disk")

	// ErrEmptyArtifact is returned when an upload contains no data.
	ErrEmptyArtifact = errors.New("firmware: empty artifact")

	// ErrArtifactTooLarge is returned when an upload exceeds the size limit.
	ErrArtifactTooLarge = errors.New("firmware: artifact exceeds size limit")

	// ErrInvalidVersion is returned when a version string is empty or malformed.
	ErrInvalidVersion = errors.New("firmware: invalid version")

	// ErrRolloutNotFound is returned when no rollout matches an update ID.
	ErrRolloutNotFound = errors.New("firmware: rollout not found")

	// ErrRolloutFinished is returned when a progress report targets a
	// rollout already in a terminal state.
	ErrRolloutFinished = errors.New("firmware: rollout already finished")

	// ErrDeviceMismatch is returned when a progress report's device does
	// not match the device the rollout was created for.
	ErrDeviceMismatch = errors.New("firmware: progress report device mismatch")

	// ErrInvalidProgress is returned when a progress percentage is out of range.
	ErrInvalidProgress = errors.New("firmware: progress out of range")

	// ErrNoDevices is returned when a push targets an empty device list.
	ErrNoDevices = errors.New("firmware: no target devices")
)
