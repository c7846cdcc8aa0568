package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func newTestSigner(t *testing.T) (*Signer, string) {
	t.Helper()

	keyFile := filepath.Join(t.TempDir(), "ota-sign.pem")
	signer, err := NewSigner(keyFile)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return signer, keyFile
}

func TestSignerRoundTrip(t *testing.T) {
	signer, _ := newTestSigner(t)

	sum := sha256.Sum256([]byte("firmware image bytes"))
	digest := hex.EncodeToString(sum[:])

	signature, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signature == "" {
		t.Fatal("Sign() returned an empty signature")
	}

	if err := signer.Verify(digest, signature); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestSignerRejectsTampering(t *testing.T) {
	signer, _ := newTestSigner(t)

	sum := sha256.Sum256([]byte("original"))
	digest := hex.EncodeToString(sum[:])

	signature, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tampered := sha256.Sum256([]byte("modified"))
	if err := signer.Verify(hex.EncodeToString(tampered[:]), signature); err == nil {
		t.Error("Verify() accepted a signature over a different digest")
	}

	if err := signer.Verify(digest, "not base64!!"); err == nil {
		t.Error("Verify() accepted a malformed signature")
	}
}

func TestSignerPersistsKey(t *testing.T) {
	signer, keyFile := newTestSigner(t)

	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("signing key was not written: %v", err)
	}

	reloaded, err := NewSigner(keyFile)
	if err != nil {
		t.Fatalf("NewSigner() reload error = %v", err)
	}

	first, err := signer.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM() error = %v", err)
	}
	second, err := reloaded.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("reloaded signer uses a different key")
	}
}
