package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/smartlock-io/smartlock-core/internal/device"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/mqtt"
	"github.com/smartlock-io/smartlock-core/internal/notify"
)

const maxVersionLength = 32

var versionPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._-]*$`)

// Publisher abstracts the MQTT publish operation the service needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceDirectory is the device lookup surface the service needs.
// Satisfied by device.Repository.
type DeviceDirectory interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*device.Device, error)
	UpdateFirmwareVersion(ctx context.Context, deviceID, version string) error
}

// Notifier records notifications for finished and failed updates.
// Satisfied by notify.Repository.
type Notifier interface {
	Create(ctx context.Context, n *notify.Notification) error
}

// PushResult summarises a fleet push.
type PushResult struct {
	// UpdateID is shared by every rollout created for this push.
	UpdateID string `json:"update_id"`

	// Pushed is how many devices received a manifest.
	Pushed int `json:"pushed_to"`
}

// Deps holds the dependencies for constructing a Service.
type Deps struct {
	Repo          Repository
	Devices       DeviceDirectory
	Signer        *Signer
	Publisher     Publisher
	Notifications Notifier
	Logger        *logging.Logger
	Config        config.OTAConfig
}

// Service coordinates firmware uploads, fleet pushes and rollout tracking.
//
// A push fans a signed manifest out to each target device over MQTT and
// records one rollout row per device under a shared update ID. Devices
// download the binary over HTTP, verify the digest and signature locally,
// then report progress back over MQTT.
type Service struct {
	repo          Repository
	devices       DeviceDirectory
	signer        *Signer
	publisher     Publisher
	notifications Notifier
	logger        *logging.Logger
	cfg           config.OTAConfig
	topics        mqtt.Topics

	now func() time.Time

	// OnProgress, when set, receives every accepted rollout state change.
	// Used to fan updates out to WebSocket clients.
	OnProgress func(deviceID string, rollout Rollout)
}

// NewService creates a firmware service.
func NewService(deps Deps) *Service {
	return &Service{
		repo:          deps.Repo,
		devices:       deps.Devices,
		signer:        deps.Signer,
		publisher:     deps.Publisher,
		notifications: deps.Notifications,
		logger:        deps.Logger,
		cfg:           deps.Config,
		now:           time.Now,
	}
}

// Upload stores a firmware binary, computes its SHA-256 digest and signs it.
// uploadedBy records the authenticated user the upload is attributed to.
//
// The binary is streamed to disk while hashing, so images are never held
// fully in memory. New artifacts start active. Returns ErrEmptyArtifact for
// a zero-byte upload, ErrArtifactTooLarge when the configured size limit is
// exceeded and ErrVersionExists when the version is already registered.
func (s *Service) Upload(ctx context.Context, version, releaseNotes, uploadedBy string, r io.Reader) (*Firmware, error) {
	if err := validateVersion(version); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetFirmwareByVersion(ctx, version); err == nil {
		return nil, ErrVersionExists
	} else if !errors.Is(err, ErrFirmwareNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(s.cfg.FirmwareDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating firmware directory: %w", err)
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("%s.bin", version)
	finalPath := filepath.Join(s.cfg.FirmwareDir, filename)

	tmp, err := os.CreateTemp(s.cfg.FirmwareDir, "upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	// Read one byte past the limit so an oversized image is distinguishable
	// from one that is exactly at it.
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, s.cfg.MaxUploadBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing firmware image: %w", err)
	}
	if written == 0 {
		return nil, ErrEmptyArtifact
	}
	if written > s.cfg.MaxUploadBytes {
		return nil, ErrArtifactTooLarge
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	signature, err := s.signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("signing firmware digest: %w", err)
	}

	fw := &Firmware{
		ID:           id,
		Version:      version,
		Filename:     filename,
		Size:         written,
		SHA256:       digest,
		Signature:    signature,
		Active:       true,
		UploadedBy:   uploadedBy,
		ReleaseNotes: releaseNotes,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.repo.CreateFirmware(ctx, fw); err != nil {
		return nil, err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("storing firmware image: %w", err)
	}

	s.logger.Info("firmware uploaded",
		"version", version,
		"size", written,
		"sha256", digest,
		"uploaded_by", uploadedBy)

	return fw, nil
}

// SetActive flips an artifact's distribution flag by version. A deactivated
// version can no longer be pushed; rollouts already in flight are untouched.
func (s *Service) SetActive(ctx context.Context, version string, active bool) (*Firmware, error) {
	fw, err := s.repo.GetFirmwareByVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if fw.Active == active {
		return fw, nil
	}

	if err := s.repo.SetFirmwareActive(ctx, fw.ID, active); err != nil {
		return nil, err
	}
	fw.Active = active

	s.logger.Info("firmware active flag changed",
		"version", version,
		"active", active)
	return fw, nil
}

// Push sends a signed update manifest to each target device.
//
// All rollouts created by one push share an update ID. Each device is
// handled independently: unknown or blocked devices are skipped and do not
// prevent delivery to the rest of the fleet. The push is fire-and-forget,
// completion is tracked asynchronously via progress reports.
//
// Returns ErrNoDevices for an empty target list and ErrFirmwareNotFound
// when the version has no registered artifact or the artifact has been
// deactivated. A withdrawn build must be indistinguishable from a missing
// one to push callers.
func (s *Service) Push(ctx context.Context, version string, deviceIDs []string) (*PushResult, error) {
	if len(deviceIDs) == 0 {
		return nil, ErrNoDevices
	}

	fw, err := s.repo.GetFirmwareByVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if !fw.Active {
		return nil, fmt.Errorf("%w: version %s is deactivated", ErrFirmwareNotFound, version)
	}

	updateID := uuid.NewString()
	manifest := Manifest{
		UpdateID:    updateID,
		Version:     fw.Version,
		DownloadURL: fmt.Sprintf("%s/%s", s.cfg.DownloadBaseURL, fw.ID),
		SHA256:      fw.SHA256,
		Signature:   fw.Signature,
		Size:        fw.Size,
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshalling manifest: %w", err)
	}

	pushed := 0
	for _, deviceID := range deviceIDs {
		dev, err := s.devices.GetByDeviceID(ctx, deviceID)
		if err != nil {
			s.logger.Warn("skipping unknown device in push",
				"device_id", deviceID,
				"update_id", updateID)
			continue
		}
		if dev.Blocked() {
			s.logger.Warn("skipping blocked device in push",
				"device_id", deviceID,
				"update_id", updateID)
			continue
		}

		rollout := &Rollout{
			ID:          uuid.NewString(),
			UpdateID:    updateID,
			FirmwareID:  fw.ID,
			DeviceID:    deviceID,
			FromVersion: dev.FirmwareVersion,
			ToVersion:   fw.Version,
			Status:      RolloutPending,
			StartedAt:   s.now().UTC(),
		}
		if err := s.repo.CreateRollout(ctx, rollout); err != nil {
			s.logger.Error("failed to record rollout",
				"device_id", deviceID,
				"update_id", updateID,
				"error", err)
			continue
		}

		// Manifests use QoS 2 so a reconnecting device never installs the
		// same update twice off a duplicate delivery.
		if err := s.publisher.Publish(s.topics.OTACommand(deviceID), payload, 2, false); err != nil {
			s.logger.Error("failed to publish update manifest",
				"device_id", deviceID,
				"update_id", updateID,
				"error", err)
			endedAt := s.now().UTC()
			if ferr := s.repo.ApplyProgress(ctx, updateID, deviceID, RolloutFailed, 0, "manifest delivery failed", &endedAt); ferr != nil {
				s.logger.Error("failed to mark rollout failed",
					"device_id", deviceID,
					"update_id", updateID,
					"error", ferr)
			}
			continue
		}

		pushed++
	}

	s.logger.Info("firmware push dispatched",
		"version", version,
		"update_id", updateID,
		"targets", len(deviceIDs),
		"pushed", pushed)

	return &PushResult{UpdateID: updateID, Pushed: pushed}, nil
}

// HandleProgress processes a progress report from a device's OTA topic.
//
// Percent 100 completes the rollout, percent 0 fails it, anything between
// keeps it in progress. Reports for rollouts already in a terminal state
// are dropped, and a report whose topic device does not match the rollout's
// target device is rejected so one device can never overwrite another's
// rollout state.
func (s *Service) HandleProgress(ctx context.Context, topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("firmware: cannot extract device id from topic %q", topic)
	}

	var report ProgressReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("parsing progress report: %w", err)
	}
	if report.UpdateID == "" || report.Percent < 0 || report.Percent > 100 {
		return ErrInvalidProgress
	}

	status := RolloutInProgress
	var endedAt *time.Time
	switch report.Percent {
	case 100:
		status = RolloutCompleted
	case 0:
		status = RolloutFailed
	}
	if status.Terminal() {
		t := s.now().UTC()
		endedAt = &t
	}

	err := s.repo.ApplyProgress(ctx, report.UpdateID, deviceID, status, report.Percent, report.Message, endedAt)
	switch {
	case errors.Is(err, ErrRolloutFinished):
		// Duplicate report after a terminal transition. Harmless.
		s.logger.Debug("dropping progress report for finished rollout",
			"device_id", deviceID,
			"update_id", report.UpdateID)
		return nil
	case errors.Is(err, ErrRolloutNotFound):
		// Distinguish a report for someone else's rollout from a report
		// for an update we never issued.
		others, lerr := s.repo.ListRolloutsByUpdate(ctx, report.UpdateID)
		if lerr == nil && len(others) > 0 {
			s.logger.Warn("progress report from device not targeted by rollout",
				"device_id", deviceID,
				"update_id", report.UpdateID)
			return ErrDeviceMismatch
		}
		s.logger.Warn("progress report for unknown rollout",
			"device_id", deviceID,
			"update_id", report.UpdateID)
		return ErrRolloutNotFound
	case err != nil:
		return err
	}

	rollout, err := s.repo.GetRollout(ctx, report.UpdateID, deviceID)
	if err != nil {
		return err
	}

	switch rollout.Status {
	case RolloutCompleted:
		if err := s.devices.UpdateFirmwareVersion(ctx, deviceID, rollout.ToVersion); err != nil {
			s.logger.Error("failed to update device firmware version",
				"device_id", deviceID,
				"version", rollout.ToVersion,
				"error", err)
		}
		s.notifyFinished(ctx, notify.TypeUpdateFinished, "Firmware update completed", rollout)
	case RolloutFailed:
		s.notifyFinished(ctx, notify.TypeUpdateFailed, "Firmware update failed", rollout)
	}

	s.logger.Info("rollout progress",
		"device_id", deviceID,
		"update_id", report.UpdateID,
		"status", rollout.Status,
		"percent", rollout.Progress)

	if s.OnProgress != nil {
		s.OnProgress(deviceID, *rollout)
	}
	return nil
}

func (s *Service) notifyFinished(ctx context.Context, notifType, title string, rollout *Rollout) {
	deviceID := rollout.DeviceID
	message := fmt.Sprintf("Device %s: update to %s %s", rollout.DeviceID, rollout.ToVersion, rollout.Status)
	if rollout.Message != "" {
		message = fmt.Sprintf("%s (%s)", message, rollout.Message)
	}

	n := &notify.Notification{
		Type:     notifType,
		DeviceID: &deviceID,
		Title:    title,
		Message:  message,
		Metadata: notify.Metadata{
			"update_id":  rollout.UpdateID,
			"device_id":  rollout.DeviceID,
			"to_version": rollout.ToVersion,
		},
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		s.logger.Error("failed to record update notification",
			"device_id", rollout.DeviceID,
			"update_id", rollout.UpdateID,
			"error", err)
	}
}

// Open retrieves a firmware record and opens its binary for download.
//
// Returns ErrFirmwareNotFound when no record exists and ErrFileMissing when
// the record exists but the binary is gone from disk. The caller owns the
// returned file and must close it.
func (s *Service) Open(ctx context.Context, artifactID string) (*Firmware, *os.File, error) {
	fw, err := s.repo.GetFirmwareByID(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.cfg.FirmwareDir, fw.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Error("firmware binary missing from disk",
				"artifact_id", artifactID,
				"filename", fw.Filename)
			return nil, nil, ErrFileMissing
		}
		return nil, nil, fmt.Errorf("opening firmware image: %w", err)
	}
	return fw, f, nil
}

// MaxUploadBytes returns the configured firmware upload size limit.
func (s *Service) MaxUploadBytes() int64 {
	return s.cfg.MaxUploadBytes
}

// Firmwares lists all registered firmware versions, newest first.
func (s *Service) Firmwares(ctx context.Context) ([]Firmware, error) {
	return s.repo.ListFirmwares(ctx)
}

// RolloutsForUpdate lists the per-device rollouts of one push.
func (s *Service) RolloutsForUpdate(ctx context.Context, updateID string) ([]Rollout, error) {
	return s.repo.ListRolloutsByUpdate(ctx, updateID)
}

// RolloutsForDevice lists a device's rollout history, newest first.
func (s *Service) RolloutsForDevice(ctx context.Context, deviceID string, limit int) ([]Rollout, error) {
	return s.repo.ListRolloutsByDevice(ctx, deviceID, limit)
}

// ReapStale fails rollouts that have sat in pending/in_progress for longer
// than the configured rollout timeout. Returns how many were failed.
func (s *Service) ReapStale(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.RolloutTimeout)
	count, err := s.repo.FailStale(ctx, cutoff, "timed out waiting for device")
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Warn("reaped stale rollouts", "count", count)
	}
	return count, nil
}

// RunReaper periodically fails stale rollouts until the context is cancelled.
func (s *Service) RunReaper(ctx context.Context) {
	interval := s.cfg.ReaperInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapStale(ctx); err != nil {
				s.logger.Error("stale rollout reap failed", "error", err)
			}
		}
	}
}

// validateVersion checks that a firmware version is usable as an identifier
// and a filename component.
func validateVersion(version string) error {
	if version == "" || len(version) > maxVersionLength {
		return ErrInvalidVersion
	}
	if !versionPattern.MatchString(version) {
		return ErrInvalidVersion
	}
	return nil
}
