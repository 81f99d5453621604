// Package keystore provides key management for message signing
//
// Keys and certificates are addressed by alias, matching the keyStoreAlias
// and partnerCertAlias fields of a partner agreement. A private key is only
// needed for local signing aliases; partner aliases carry a certificate
// alone.
package keystore

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrCertificateNotFound = errors.New("certificate not found")
)

// KeyInfo describes a keystore entry
type KeyInfo struct {
	// Alias is the name the entry is addressed by
	Alias string `json:"alias"`

	// HasPrivateKey reports whether the alias can sign
	HasPrivateKey bool `json:"hasPrivateKey"`

	// Algorithm is the key algorithm (e.g., "RSA", "EC")
	Algorithm string `json:"algorithm"`

	// KeySize is the key size in bits (e.g., 2048 for RSA, 256 for P-256)
	KeySize int `json:"keySize"`

	// NotBefore is when the associated certificate becomes valid
	NotBefore time.Time `json:"notBefore"`

	// NotAfter is when the associated certificate expires
	NotAfter time.Time `json:"notAfter"`

	// CertificateSubject is the subject DN of the certificate
	CertificateSubject string `json:"certificateSubject"`
}
