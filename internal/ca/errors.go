package ca

import "errors"

// Domain errors for the ca package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, ca.ErrNotInitialised) {
//	    // handle uninitialised CA
//	}
var (
	// ErrNotInitialised is returned when certificate operations are attempted
	// before Initialise has completed successfully.
	ErrNotInitialised = errors.New("ca: not initialised")

	// ErrInvalidDeviceID is returned when a device identifier is empty or
	// contains characters unsuitable for a certificate subject.
	ErrInvalidDeviceID = errors.New("ca: invalid device id")

	// ErrInvalidCertificate is returned when PEM parsing fails or the data
	// does not contain a certificate.
	ErrInvalidCertificate = errors.New("ca: invalid certificate")

	// ErrInvalidPublicKey is returned when the public key supplied at
	// certificate issuance cannot be parsed as an RSA public key.
	ErrInvalidPublicKey = errors.New("ca: invalid public key")

	// ErrKeyMismatch is returned when the persisted CA key does not match
	// the persisted CA certificate.
	ErrKeyMismatch = errors.New("ca: key does not match certificate")
)
