package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
)

// Certificate authority constants.
const (
	// caKeyFile is the filename of the PEM-encoded root private key.
	caKeyFile = "ca-key.pem"

	// caCertFile is the filename of the PEM-encoded root certificate.
	caCertFile = "ca-cert.pem"

	// rsaKeyBits is the RSA modulus size for both root and device keys.
	rsaKeyBits = 2048

	// rootValidity is how long a freshly generated root certificate is valid.
	rootValidity = 10 * 365 * 24 * time.Hour

	// deviceValidity is how long an issued device certificate is valid.
	deviceValidity = 365 * 24 * time.Hour

	// serialBytes is the number of random bytes in a certificate serial.
	serialBytes = 16

	// deviceDNSSuffix is appended to the device ID to form the SAN DNS name.
	deviceDNSSuffix = ".smartlock.local"

	// maxDeviceIDLength bounds device IDs used as certificate subjects.
	maxDeviceIDLength = 64

	// keyFilePermissions protects the root private key on disk.
	keyFilePermissions = 0600

	// certFilePermissions allows the root certificate to be read for distribution.
	certFilePermissions = 0644
)

// Manager owns the fleet root CA and issues per-device certificates.
//
// The root key pair is loaded from disk if present, otherwise generated
// and persisted on first initialisation. Initialise is idempotent and
// safe to call from multiple goroutines; only the first call does work.
//
// Thread Safety:
//   - All methods are safe for concurrent use after construction.
type Manager struct {
	keysDir string
	logger  *logging.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.RWMutex
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
	pool    *x509.CertPool
}

// DeviceCertificate is the result of issuing a certificate for a device.
//
// The device keeps its own private key; the manager only ever sees the
// public half it is asked to certify.
type DeviceCertificate struct {
	DeviceID       string
	Serial         string
	CertificatePEM []byte
	NotBefore      time.Time
	NotAfter       time.Time
}

// NewManager creates a Manager rooted at the configured keys directory.
// Call Initialise before issuing or verifying certificates.
func NewManager(cfg config.CAConfig, logger *logging.Logger) *Manager {
	return &Manager{
		keysDir: cfg.KeysDir,
		logger:  logger.With("component", "ca"),
	}
}

// Initialise loads the root CA from disk, generating and persisting a new
// one if no key pair exists yet. Concurrent callers share a single
// initialisation attempt; the outcome is cached and returned to all.
func (m *Manager) Initialise() error {
	m.initOnce.Do(func() {
		m.initErr = m.initialise()
	})
	return m.initErr
}

func (m *Manager) initialise() error {
	if err := os.MkdirAll(m.keysDir, 0750); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}

	keyPath := filepath.Join(m.keysDir, caKeyFile)
	certPath := filepath.Join(m.keysDir, caCertFile)

	keyExists := fileExists(keyPath)
	certExists := fileExists(certPath)

	if keyExists && certExists {
		if err := m.loadRoot(keyPath, certPath); err != nil {
			return err
		}
		m.logger.Info("root CA loaded",
			"cert", certPath,
			"expires", m.cert.NotAfter.Format(time.RFC3339),
		)
		return nil
	}

	// A lone key or lone certificate means a previous run was interrupted.
	// Regenerating would silently orphan every issued device certificate,
	// so refuse and make the operator decide.
	if keyExists != certExists {
		return fmt.Errorf("%w: found %s without its counterpart in %s",
			ErrKeyMismatch, caKeyFile, m.keysDir)
	}

	if err := m.generateRoot(keyPath, certPath); err != nil {
		return err
	}
	m.logger.Info("root CA generated",
		"cert", certPath,
		"expires", m.cert.NotAfter.Format(time.RFC3339),
	)
	return nil
}

// loadRoot reads and validates the persisted key pair.
func (m *Manager) loadRoot(keyPath, certPath string) error {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("reading CA key: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("reading CA certificate: %w", err)
	}

	key, err := parseRSAPrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("parsing CA key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%w: %s", ErrInvalidCertificate, certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA certificate: %w", err)
	}

	certKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || certKey.N.Cmp(key.N) != 0 {
		return ErrKeyMismatch
	}

	m.setRoot(key, cert, certPEM)
	return nil
}

// generateRoot creates a new self-signed root and persists it.
func (m *Manager) generateRoot(keyPath, certPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "Root CA",
			Organization:       []string{"SmartLock IoT"},
			OrganizationalUnit: []string{"Security"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing generated certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})

	if err := os.WriteFile(keyPath, keyPEM, keyFilePermissions); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, certFilePermissions); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}

	m.setRoot(key, cert, certPEM)
	return nil
}

func (m *Manager) setRoot(key *rsa.PrivateKey, cert *x509.Certificate, certPEM []byte) {
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	m.mu.Lock()
	m.key = key
	m.cert = cert
	m.certPEM = certPEM
	m.pool = pool
	m.mu.Unlock()
}

// RootCertificatePEM returns the PEM-encoded root certificate.
func (m *Manager) RootCertificatePEM() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.certPEM == nil {
		return nil, ErrNotInitialised
	}
	// Copy so callers cannot mutate the cached bytes.
	out := make([]byte, len(m.certPEM))
	copy(out, m.certPEM)
	return out, nil
}

// IssueDeviceCertificate signs a leaf certificate over a device's public key.
//
// The certificate carries the device ID as its common name and a SAN of
// {device_id}.smartlock.local, and is valid for one year from issuance.
// The device generates its own key pair and submits only the public half;
// no private key material ever reaches the manager.
//
// Parameters:
//   - deviceID: Fleet-unique device identifier
//   - publicKeyPEM: PEM-encoded RSA public key supplied by the device
//
// Returns:
//   - *DeviceCertificate: Certificate, serial and validity window
//   - error: ErrNotInitialised, ErrInvalidDeviceID, ErrInvalidPublicKey,
//     or a wrapped crypto error
func (m *Manager) IssueDeviceCertificate(deviceID string, publicKeyPEM []byte) (*DeviceCertificate, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	caKey := m.key
	caCert := m.cert
	m.mu.RUnlock()
	if caKey == nil {
		return nil, ErrNotInitialised
	}

	deviceKey, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"SmartLock Devices"},
			OrganizationalUnit: []string{"IoT Devices"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(deviceValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		DNSNames:              []string{deviceID + deviceDNSSuffix},
		IPAddresses:           []net.IP{net.IPv4zero},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, deviceKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("signing device certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})

	m.logger.Info("device certificate issued",
		"device_id", deviceID,
		"serial", hex.EncodeToString(serial.Bytes()),
	)

	return &DeviceCertificate{
		DeviceID:       deviceID,
		Serial:         hex.EncodeToString(serial.Bytes()),
		CertificatePEM: certPEM,
		NotBefore:      now,
		NotAfter:       now.Add(deviceValidity),
	}, nil
}

// VerifyCertificate reports whether a PEM certificate chains to the fleet
// root and is within its validity window. It never returns an error: an
// uninitialised CA, unparseable input, an untrusted issuer and an expired
// certificate all verify as false.
func (m *Manager) VerifyCertificate(certPEM []byte) bool {
	m.mu.RLock()
	pool := m.pool
	m.mu.RUnlock()
	if pool == nil {
		return false
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return false
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}

	opts := x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	_, err = cert.Verify(opts)
	return err == nil
}

// newSerial generates a random 128-bit certificate serial number.
func newSerial() (*big.Int, error) {
	buf := make([]byte, serialBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// parseRSAPrivateKey decodes a PEM RSA private key in PKCS#1 or PKCS#8 form.
func parseRSAPrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return key, nil
}

// parseRSAPublicKey decodes a PEM RSA public key in PKIX or PKCS#1 form.
func parseRSAPublicKey(keyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return key, nil
}

// validateDeviceID rejects identifiers unsuitable for certificate subjects.
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

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
