package firmware

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// signingKeyBits is the RSA modulus size for the OTA signing key.
// The key is deliberately distinct from the CA key: compromise of one
// does not compromise the other.
const signingKeyBits = 2048

// Signer produces detached signatures over firmware digests using the
// OTA signing key. Devices verify the signature against the matching
// public key baked into their firmware images.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner loads the OTA signing key from keyFile, generating and
// persisting a new one if the file does not exist.
func NewSigner(keyFile string) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		key, err := parseSigningKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing OTA signing key: %w", err)
		}
		return &Signer{key: key}, nil

	case os.IsNotExist(err):
		key, err := generateSigningKey(keyFile)
		if err != nil {
			return nil, err
		}
		return &Signer{key: key}, nil

	default:
		return nil, fmt.Errorf("reading OTA signing key: %w", err)
	}
}

// Sign returns the base64 RSA-SHA256 signature over the hex digest string.
// The signature covers the digest string, not the raw artifact bytes, so
// devices can verify after hashing the download themselves.
func (s *Signer) Sign(digestHex string) (string, error) {
	hashed := sha256.Sum256([]byte(digestHex))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against a hex digest string.
// Used in tests and by the health surface; devices carry only the
// public half.
func (s *Signer) Verify(digestHex, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	hashed := sha256.Sum256([]byte(digestHex))
	if err := rsa.VerifyPKCS1v15(&s.key.PublicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}
	return nil
}

// PublicKeyPEM returns the PEM-encoded public half of the signing key,
// for distribution to device firmware builds.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// generateSigningKey creates and persists a fresh signing key.
func generateSigningKey(keyFile string) (*rsa.PrivateKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyFile), 0750); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating OTA signing key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing OTA signing key: %w", err)
	}
	return key, nil
}

// parseSigningKey decodes a PEM RSA private key in PKCS#1 or PKCS#8 form.
func parseSigningKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
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
