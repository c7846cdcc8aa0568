// Package alert watches the access log for bursts of failed unlock attempts
// and raises security notifications.
//
// Detection is threshold-over-window: a device that accumulates enough
// failed attempts inside the trailing window triggers one alert, then goes
// quiet for a cooldown period so a sustained attack does not flood the
// notification feed. Raising an alert never blocks the device, blocking is
// a separate operator action.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/smartlock-io/smartlock-core/internal/accesslog"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/mqtt"
	"github.com/smartlock-io/smartlock-core/internal/notify"
)

const (
	defaultThreshold = 3
	defaultWindow    = 3 * time.Minute
	defaultCooldown  = 5 * time.Minute

	// recentAttemptLimit caps how many failed attempts are embedded in an
	// alert's metadata.
	recentAttemptLimit = 10
)

// AttemptLog is the access log surface the detector needs.
// Satisfied by accesslog.Repository.
type AttemptLog interface {
	Record(ctx context.Context, attempt *accesslog.Attempt) error
	CountFailuresSince(ctx context.Context, deviceID string, since time.Time) (int, error)
	RecentFailures(ctx context.Context, deviceID string, since time.Time, limit int) ([]accesslog.Attempt, error)
}

// Notifier records raised alerts. Satisfied by notify.Repository.
type Notifier interface {
	Create(ctx context.Context, n *notify.Notification) error
}

// accessReport is the payload devices publish on their access topic.
type accessReport struct {
	UserID  *string `json:"user_id,omitempty"`
	Method  string  `json:"method"`
	Success bool    `json:"success"`
	Reason  string  `json:"reason,omitempty"`
}

// Detector ingests access attempts and raises security alerts when a device
// crosses the failed-attempt threshold.
type Detector struct {
	attempts      AttemptLog
	notifications Notifier
	logger        *logging.Logger

	threshold int
	window    time.Duration
	cooldown  time.Duration
	sweep     time.Duration

	now func() time.Time

	mu          sync.Mutex
	lastAlert   map[string]time.Time
	deviceLocks map[string]*sync.Mutex

	// OnAlert, when set, receives every raised alert.
	// Used to fan alerts out to WebSocket clients.
	OnAlert func(deviceID string, n notify.Notification)
}

// NewDetector creates a detector from the alert configuration.
// Zero or negative settings fall back to the defaults.
func NewDetector(cfg config.AlertConfig, attempts AttemptLog, notifications Notifier, logger *logging.Logger) *Detector {
	d := &Detector{
		attempts:      attempts,
		notifications: notifications,
		logger:        logger,
		threshold:     cfg.FailureThreshold,
		window:        cfg.AlertWindow(),
		cooldown:      cfg.AlertCooldown(),
		sweep:         cfg.SweepInterval,
		now:           time.Now,
		lastAlert:     make(map[string]time.Time),
		deviceLocks:   make(map[string]*sync.Mutex),
	}
	if d.threshold <= 0 {
		d.threshold = defaultThreshold
	}
	if d.window <= 0 {
		d.window = defaultWindow
	}
	if d.cooldown <= 0 {
		d.cooldown = defaultCooldown
	}
	return d
}

// HandleAccess processes an access report from a device's access topic.
// The attempt is always recorded, and failed attempts feed the detector.
func (d *Detector) HandleAccess(ctx context.Context, topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("alert: cannot extract device id from topic %q", topic)
	}

	var report accessReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("parsing access report: %w", err)
	}

	attempt := &accesslog.Attempt{
		DeviceID: deviceID,
		UserID:   report.UserID,
		Method:   accesslog.Method(report.Method),
		Success:  report.Success,
		Reason:   report.Reason,
	}
	if err := d.attempts.Record(ctx, attempt); err != nil {
		return fmt.Errorf("recording access attempt: %w", err)
	}

	if report.Success {
		return nil
	}

	_, err := d.CheckFailedAttempts(ctx, deviceID)
	return err
}

// lockDevice returns the mutex serialising alert evaluation for a device.
func (d *Detector) lockDevice(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.deviceLocks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		d.deviceLocks[deviceID] = lock
	}
	return lock
}

// CheckFailedAttempts evaluates a device against the failure threshold and
// raises an alert if it is crossed. Returns whether an alert was raised.
//
// At most one alert is raised per device per cooldown period, regardless of
// how many further failures arrive while the cooldown is active. Evaluation
// is serialised per device so concurrent reports cannot both slip past the
// cooldown check before either has recorded its alert.
func (d *Detector) CheckFailedAttempts(ctx context.Context, deviceID string) (bool, error) {
	lock := d.lockDevice(deviceID)
	lock.Lock()
	defer lock.Unlock()

	now := d.now()

	d.mu.Lock()
	last, alerted := d.lastAlert[deviceID]
	d.mu.Unlock()
	if alerted && now.Sub(last) < d.cooldown {
		return false, nil
	}

	since := now.Add(-d.window)
	count, err := d.attempts.CountFailuresSince(ctx, deviceID, since)
	if err != nil {
		return false, fmt.Errorf("counting failed attempts: %w", err)
	}
	if count < d.threshold {
		return false, nil
	}

	recent, err := d.attempts.RecentFailures(ctx, deviceID, since, recentAttemptLimit)
	if err != nil {
		return false, fmt.Errorf("loading recent failures: %w", err)
	}

	attempts := make([]map[string]any, 0, len(recent))
	for _, a := range recent {
		entry := map[string]any{
			"method": string(a.Method),
			"at":     a.CreatedAt.Format(time.RFC3339),
		}
		if a.Reason != "" {
			entry["reason"] = a.Reason
		}
		attempts = append(attempts, entry)
	}

	id := deviceID
	n := &notify.Notification{
		Type:     notify.TypeSecurityAlert,
		DeviceID: &id,
		Title:    "Security alert",
		Message: fmt.Sprintf("Device %s: %d failed access attempts in the last %d minutes",
			deviceID, count, int(d.window.Minutes())),
		Metadata: notify.Metadata{
			"device_id":     deviceID,
			"failure_count": count,
			"attempts":      attempts,
		},
	}
	if err := d.notifications.Create(ctx, n); err != nil {
		return false, fmt.Errorf("recording security alert: %w", err)
	}

	d.mu.Lock()
	d.lastAlert[deviceID] = now
	d.mu.Unlock()

	d.logger.Warn("security alert raised",
		"device_id", deviceID,
		"failure_count", count)

	if d.OnAlert != nil {
		d.OnAlert(deviceID, *n)
	}
	return true, nil
}

// Sweep removes cooldown entries that have expired.
// Returns how many entries were removed.
func (d *Detector) Sweep() int {
	cutoff := d.now().Add(-d.cooldown)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for deviceID, last := range d.lastAlert {
		if last.Before(cutoff) {
			delete(d.lastAlert, deviceID)
			removed++
		}
	}
	return removed
}

// Run periodically sweeps expired cooldown entries until the context is
// cancelled.
func (d *Detector) Run(ctx context.Context) {
	interval := d.sweep
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}
