package device

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartlock-io/smartlock-core/internal/ca"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/mqtt"
)

// Provisioning constants.
const (
	// defaultTokenTTL is how long a provisioning token stays valid.
	defaultTokenTTL = 30 * time.Minute

	// tokenBytes is the number of random bytes in a provisioning token.
	tokenBytes = 32

	// maxDeviceIDLength bounds fleet device identifiers.
	maxDeviceIDLength = 64
)

// Fleet hardware defaults applied when a registration omits them.
const (
	DefaultDeviceType  = "smart_lock"
	DefaultDeviceModel = "ESP32_v1"
)

// Publisher is the outbound MQTT surface the service needs.
// Satisfied by *mqtt.Client; tests substitute a fake.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// CertificateAuthority is the certificate surface the service needs.
// Satisfied by *ca.Manager.
type CertificateAuthority interface {
	IssueDeviceCertificate(deviceID string, publicKeyPEM []byte) (*ca.DeviceCertificate, error)
	RootCertificatePEM() ([]byte, error)
}

// Deps bundles the dependencies for NewService.
type Deps struct {
	Repo      Repository
	CA        CertificateAuthority
	Publisher Publisher
	Logger    *logging.Logger

	// TokenTTL overrides the default provisioning token lifetime (optional).
	TokenTTL time.Duration

	// QoS is the MQTT QoS for provisioning messages (default 1).
	QoS byte
}

// Service implements the device provisioning lifecycle.
//
// Registration is idempotent while a token is outstanding: re-registering
// a pending device with an unexpired token republishes the same token.
// An expired token is replaced. A device that has completed provisioning
// cannot be re-registered.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Registration and completion
//     for the same device are serialised on a per-device lock so concurrent
//     registrations cannot mint competing tokens.
type Service struct {
	repo      Repository
	ca        CertificateAuthority
	publisher Publisher
	topics    mqtt.Topics
	logger    *logging.Logger
	tokenTTL  time.Duration
	qos       byte

	// now is replaceable in tests.
	now func() time.Time

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

// Registration carries the caller-supplied attributes of a new device.
// Type and Model fall back to the fleet defaults when empty, and
// OrganizationID is an optional reference to the owning organisation.
type Registration struct {
	DeviceID       string
	Name           string
	Type           string
	Model          string
	OrganizationID string
}

// RegistrationResult describes the outcome of RegisterDevice.
type RegistrationResult struct {
	Device    *Device   `json:"device"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`

	// Reissued is true when an expired token was replaced rather than
	// a brand new device created.
	Reissued bool `json:"reissued"`
}

// NewService creates a provisioning Service.
func NewService(deps Deps) *Service {
	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	qos := deps.QoS
	if qos == 0 {
		qos = 1
	}
	return &Service{
		repo:        deps.Repo,
		ca:          deps.CA,
		publisher:   deps.Publisher,
		logger:      deps.Logger.With("component", "provisioning"),
		tokenTTL:    ttl,
		qos:         qos,
		now:         time.Now,
		deviceLocks: make(map[string]*sync.Mutex),
	}
}

// lockDevice returns the mutex serialising operations for one device.
func (s *Service) lockDevice(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.deviceLocks[deviceID] = l
	}
	return l
}

// RegisterDevice registers a lock for provisioning and delivers the root
// certificate and a fresh provisioning token over MQTT.
//
// Behaviour by current state:
//   - Unknown device: created as pending with a new token.
//   - Pending with unexpired token: the existing token is republished.
//   - Pending with expired token: a replacement token is issued.
//   - Any other state: ErrProvisioningConflict.
//
// Re-registration never alters an existing device's attributes; the
// registration's name, type, model and organisation only apply when the
// device is first created.
func (s *Service) RegisterDevice(ctx context.Context, reg Registration) (*RegistrationResult, error) {
	deviceID := reg.DeviceID
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	lock := s.lockDevice(deviceID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UTC()

	existing, err := s.repo.GetByDeviceID(ctx, deviceID)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return s.registerNew(ctx, reg, now)
	case err != nil:
		return nil, err
	}

	if existing.Status != StatusPending {
		return nil, ErrProvisioningConflict
	}

	if existing.TokenValid(now) {
		// Idempotent re-registration: same token, republished.
		if err := s.publishCredentials(existing.DeviceID, *existing.ProvisioningToken, *existing.TokenExpiresAt); err != nil {
			return nil, err
		}
		s.logger.Info("provisioning token republished", "device_id", deviceID)
		return &RegistrationResult{
			Device:    existing,
			Token:     *existing.ProvisioningToken,
			ExpiresAt: *existing.TokenExpiresAt,
		}, nil
	}

	// Expired token: mint a replacement.
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.tokenTTL)
	existing.ProvisioningToken = &token
	existing.TokenExpiresAt = &expiresAt
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, err
	}

	if err := s.publishCredentials(deviceID, token, expiresAt); err != nil {
		return nil, err
	}

	s.logger.Info("provisioning token reissued", "device_id", deviceID)
	return &RegistrationResult{
		Device:    existing,
		Token:     token,
		ExpiresAt: expiresAt,
		Reissued:  true,
	}, nil
}

// registerNew creates a pending device and publishes its credentials.
func (s *Service) registerNew(ctx context.Context, reg Registration, now time.Time) (*RegistrationResult, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.tokenTTL)

	deviceType := reg.Type
	if deviceType == "" {
		deviceType = DefaultDeviceType
	}
	model := reg.Model
	if model == "" {
		model = DefaultDeviceModel
	}

	d := &Device{
		ID:                uuid.NewString(),
		DeviceID:          reg.DeviceID,
		Name:              reg.Name,
		Type:              deviceType,
		Model:             model,
		Status:            StatusPending,
		ProvisioningToken: &token,
		TokenExpiresAt:    &expiresAt,
		Metadata:          Metadata{},
	}
	if reg.OrganizationID != "" {
		orgID := reg.OrganizationID
		d.OrganizationID = &orgID
	}

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	if err := s.publishCredentials(reg.DeviceID, token, expiresAt); err != nil {
		return nil, err
	}

	s.logger.Info("device registered", "device_id", reg.DeviceID, "type", deviceType, "model", model)
	return &RegistrationResult{
		Device:    d,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// publishCredentials delivers the root certificate and provisioning token
// to the device's provisioning topics. The certificate goes first so the
// device can pin the fleet root before it uses the token.
func (s *Service) publishCredentials(deviceID, token string, expiresAt time.Time) error {
	rootPEM, err := s.ca.RootCertificatePEM()
	if err != nil {
		return fmt.Errorf("loading root certificate: %w", err)
	}

	certPayload, err := json.Marshal(map[string]any{
		"device_id":   deviceID,
		"certificate": string(rootPEM),
	})
	if err != nil {
		return fmt.Errorf("marshalling certificate payload: %w", err)
	}
	if err := s.publisher.Publish(s.topics.CACertificate(deviceID), certPayload, s.qos, false); err != nil {
		return fmt.Errorf("publishing CA certificate: %w", err)
	}

	tokenPayload, err := json.Marshal(map[string]any{
		"device_id":  deviceID,
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshalling token payload: %w", err)
	}
	if err := s.publisher.Publish(s.topics.ProvisionToken(deviceID), tokenPayload, s.qos, false); err != nil {
		return fmt.Errorf("publishing provisioning token: %w", err)
	}

	return nil
}

// CompleteProvisioning exchanges a valid provisioning token and the
// device's public key for a signed certificate, moving the device to the
// registered state. The device keeps its private key; only the public
// half is submitted and stored.
//
// Returns:
//   - *ca.DeviceCertificate: certificate and serial for the device
//   - error: ErrDeviceNotFound, ErrNotPending, ErrDeviceBlocked,
//     ErrTokenMismatch, ErrTokenExpired, or a wrapped
//     ca.ErrInvalidPublicKey
func (s *Service) CompleteProvisioning(ctx context.Context, deviceID, token string, publicKeyPEM []byte) (*ca.DeviceCertificate, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	lock := s.lockDevice(deviceID)
	lock.Lock()
	defer lock.Unlock()

	d, err := s.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if d.Blocked() {
		return nil, ErrDeviceBlocked
	}
	if d.Status != StatusPending {
		return nil, ErrNotPending
	}
	if d.ProvisioningToken == nil ||
		!hmac.Equal([]byte(*d.ProvisioningToken), []byte(token)) {
		return nil, ErrTokenMismatch
	}
	if !s.now().UTC().Before(*d.TokenExpiresAt) {
		return nil, ErrTokenExpired
	}

	issued, err := s.ca.IssueDeviceCertificate(deviceID, publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("issuing certificate: %w", err)
	}

	certPEM := string(issued.CertificatePEM)
	publicKey := string(publicKeyPEM)
	d.Status = StatusRegistered
	d.ProvisioningToken = nil
	d.TokenExpiresAt = nil
	d.PublicKeyPEM = &publicKey
	d.CertificateSerial = &issued.Serial
	d.CertificatePEM = &certPEM

	if err := s.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("provisioning completed",
		"device_id", deviceID,
		"serial", issued.Serial,
	)
	return issued, nil
}

// BlockDevice moves a device into the blocked state, recording the reason
// in its metadata. Blocking is idempotent.
func (s *Service) BlockDevice(ctx context.Context, deviceID, reason string) (*Device, error) {
	lock := s.lockDevice(deviceID)
	lock.Lock()
	defer lock.Unlock()

	d, err := s.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.Blocked() {
		return d, nil
	}

	if d.Metadata == nil {
		d.Metadata = Metadata{}
	}
	d.Metadata["blocked_reason"] = reason
	d.Metadata["blocked_at"] = s.now().UTC().Format(time.RFC3339)
	d.Status = StatusBlocked

	if err := s.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Warn("device blocked", "device_id", deviceID, "reason", reason)
	return d, nil
}

// UnblockDevice clears the blocked state, returning the device to offline
// until it next reports its presence.
func (s *Service) UnblockDevice(ctx context.Context, deviceID string) (*Device, error) {
	lock := s.lockDevice(deviceID)
	lock.Lock()
	defer lock.Unlock()

	d, err := s.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !d.Blocked() {
		return nil, ErrNotBlocked
	}

	delete(d.Metadata, "blocked_reason")
	delete(d.Metadata, "blocked_at")
	d.Status = StatusOffline

	if err := s.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("device unblocked", "device_id", deviceID)
	return d, nil
}

// SendUnlock publishes a remote unlock command to an online device.
// Blocked devices are refused; offline devices are refused because the
// command would sit undelivered on the broker.
func (s *Service) SendUnlock(ctx context.Context, deviceID, requestedBy string) error {
	d, err := s.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.Blocked() {
		return ErrDeviceBlocked
	}
	if d.Status != StatusOnline {
		return fmt.Errorf("%w: device is %s", ErrInvalidStatus, d.Status)
	}

	payload, err := json.Marshal(map[string]any{
		"command":      "unlock",
		"requested_by": requestedBy,
		"timestamp":    s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshalling unlock command: %w", err)
	}

	if err := s.publisher.Publish(s.topics.DeviceControl(deviceID, "unlock"), payload, s.qos, false); err != nil {
		return fmt.Errorf("publishing unlock command: %w", err)
	}

	s.logger.Info("unlock command sent", "device_id", deviceID, "requested_by", requestedBy)
	return nil
}

// newToken generates a 256-bit hex provisioning token.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// validateDeviceID rejects empty or malformed fleet identifiers.
func validateDeviceID(deviceID string) error {
	if deviceID == "" || len(deviceID) > maxDeviceIDLength {
		return ErrInvalidDeviceID
	}
	for _, r := range deviceID {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ErrInvalidDeviceID
		}
	}
	return nil
}
