package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
)

// newTestManager creates an initialised Manager backed by a temp directory.
func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m := NewManager(config.CAConfig{KeysDir: t.TempDir()}, logging.Default())
	if err := m.Initialise(); err != nil {
		t.Fatalf("Initialise() failed: %v", err)
	}
	return m
}

// newDevicePublicKeyPEM generates a device key pair and returns the PEM
// public half, the way a lock would during provisioning.
func newDevicePublicKeyPEM(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		t.Fatalf("generating device key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshalling public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestInitialiseGeneratesRoot(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(config.CAConfig{KeysDir: dir}, logging.Default())

	if err := m.Initialise(); err != nil {
		t.Fatalf("Initialise() failed: %v", err)
	}

	for _, name := range []string{caKeyFile, caCertFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	certPEM, err := m.RootCertificatePEM()
	if err != nil {
		t.Fatalf("RootCertificatePEM() failed: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("root certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing root certificate: %v", err)
	}

	if cert.Subject.CommonName != "Root CA" {
		t.Errorf("common name = %q, want %q", cert.Subject.CommonName, "Root CA")
	}
	if !cert.IsCA {
		t.Error("root certificate is not marked as a CA")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("root certificate missing certSign key usage")
	}
}

func TestInitialiseIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	first, err := m.RootCertificatePEM()
	if err != nil {
		t.Fatalf("RootCertificatePEM() failed: %v", err)
	}

	if err := m.Initialise(); err != nil {
		t.Fatalf("second Initialise() failed: %v", err)
	}

	second, err := m.RootCertificatePEM()
	if err != nil {
		t.Fatalf("RootCertificatePEM() failed: %v", err)
	}

	if string(first) != string(second) {
		t.Error("root certificate changed between Initialise calls")
	}
}

func TestInitialiseLoadsPersistedRoot(t *testing.T) {
	dir := t.TempDir()

	first := NewManager(config.CAConfig{KeysDir: dir}, logging.Default())
	if err := first.Initialise(); err != nil {
		t.Fatalf("first Initialise() failed: %v", err)
	}
	firstPEM, _ := first.RootCertificatePEM()

	// A fresh manager over the same directory must load, not regenerate.
	second := NewManager(config.CAConfig{KeysDir: dir}, logging.Default())
	if err := second.Initialise(); err != nil {
		t.Fatalf("second Initialise() failed: %v", err)
	}
	secondPEM, _ := second.RootCertificatePEM()

	if string(firstPEM) != string(secondPEM) {
		t.Error("restarting regenerated the root certificate")
	}
}

func TestInitialiseRejectsOrphanedKey(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(config.CAConfig{KeysDir: dir}, logging.Default())
	if err := m.Initialise(); err != nil {
		t.Fatalf("Initialise() failed: %v", err)
	}

	// Remove the certificate but leave the key behind.
	if err := os.Remove(filepath.Join(dir, caCertFile)); err != nil {
		t.Fatalf("removing certificate: %v", err)
	}

	broken := NewManager(config.CAConfig{KeysDir: dir}, logging.Default())
	if err := broken.Initialise(); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Initialise() = %v, want ErrKeyMismatch", err)
	}
}

func TestIssueDeviceCertificate(t *testing.T) {
	m := newTestManager(t)

	issued, err := m.IssueDeviceCertificate("lock-front-door", newDevicePublicKeyPEM(t))
	if err != nil {
		t.Fatalf("IssueDeviceCertificate() failed: %v", err)
	}

	block, _ := pem.Decode(issued.CertificatePEM)
	if block == nil {
		t.Fatal("issued certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing issued certificate: %v", err)
	}

	if cert.Subject.CommonName != "lock-front-door" {
		t.Errorf("common name = %q, want device ID", cert.Subject.CommonName)
	}
	if cert.IsCA {
		t.Error("device certificate must not be a CA")
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "lock-front-door.smartlock.local" {
		t.Errorf("DNS SANs = %v, want [lock-front-door.smartlock.local]", cert.DNSNames)
	}
	if issued.Serial == "" {
		t.Error("issued serial is empty")
	}
}

func TestIssueDeviceCertificateValidation(t *testing.T) {
	m := newTestManager(t)
	publicKey := newDevicePublicKeyPEM(t)

	tests := []struct {
		name     string
		deviceID string
	}{
		{"empty", ""},
		{"whitespace", "lock front"},
		{"slash", "lock/1"},
		{"too_long", strings.Repeat("a", maxDeviceIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.IssueDeviceCertificate(tt.deviceID, publicKey); !errors.Is(err, ErrInvalidDeviceID) {
				t.Errorf("IssueDeviceCertificate(%q) = %v, want ErrInvalidDeviceID", tt.deviceID, err)
			}
		})
	}
}

func TestIssueDeviceCertificateRejectsMalformedKey(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name      string
		publicKey []byte
	}{
		{"empty", nil},
		{"not_pem", []byte("not a key")},
		{"wrong_block", []byte("-----BEGIN CERTIFICATE-----\nQUJD\n-----END CERTIFICATE-----\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.IssueDeviceCertificate("lock-1", tt.publicKey); !errors.Is(err, ErrInvalidPublicKey) {
				t.Errorf("IssueDeviceCertificate() = %v, want ErrInvalidPublicKey", err)
			}
		})
	}
}

func TestVerifyCertificate(t *testing.T) {
	m := newTestManager(t)

	issued, err := m.IssueDeviceCertificate("lock-42", newDevicePublicKeyPEM(t))
	if err != nil {
		t.Fatalf("IssueDeviceCertificate() failed: %v", err)
	}

	if !m.VerifyCertificate(issued.CertificatePEM) {
		t.Error("VerifyCertificate() = false for a certificate we just issued")
	}
}

func TestVerifyCertificateAcceptsOwnRoot(t *testing.T) {
	m := newTestManager(t)

	rootPEM, err := m.RootCertificatePEM()
	if err != nil {
		t.Fatalf("RootCertificatePEM() failed: %v", err)
	}

	if !m.VerifyCertificate(rootPEM) {
		t.Error("VerifyCertificate() = false for the fleet root itself")
	}
}

func TestVerifyCertificateRejectsForeignRoot(t *testing.T) {
	m := newTestManager(t)
	other := newTestManager(t)

	issued, err := other.IssueDeviceCertificate("lock-rogue", newDevicePublicKeyPEM(t))
	if err != nil {
		t.Fatalf("IssueDeviceCertificate() failed: %v", err)
	}

	if m.VerifyCertificate(issued.CertificatePEM) {
		t.Error("VerifyCertificate() = true for a certificate from a foreign root")
	}
}

func TestVerifyCertificateRejectsGarbage(t *testing.T) {
	m := newTestManager(t)

	if m.VerifyCertificate([]byte("not a certificate")) {
		t.Error("VerifyCertificate() = true for garbage input")
	}
}

func TestOperationsBeforeInitialise(t *testing.T) {
	m := NewManager(config.CAConfig{KeysDir: t.TempDir()}, logging.Default())

	if _, err := m.RootCertificatePEM(); !errors.Is(err, ErrNotInitialised) {
		t.Errorf("RootCertificatePEM() = %v, want ErrNotInitialised", err)
	}
	if _, err := m.IssueDeviceCertificate("lock-1", newDevicePublicKeyPEM(t)); !errors.Is(err, ErrNotInitialised) {
		t.Errorf("IssueDeviceCertificate() = %v, want ErrNotInitialised", err)
	}
	if m.VerifyCertificate([]byte("x")) {
		t.Error("VerifyCertificate() = true before initialisation")
	}
}
