package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// Algorithm URIs for XML signature
const (
	// Signature algorithms
	AlgorithmRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgorithmRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"

	// Digest algorithms
	AlgorithmSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	AlgorithmSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"

	// Canonicalization algorithms
	AlgorithmC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"

	// AlgorithmAttachmentContent is the SwA attachment content transform.
	AlgorithmAttachmentContent = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Signature-Transform"
)

// WS-Security token profile URIs
const (
	ValueTypeX509v3     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	ValueTypeSKI        = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509SubjectKeyIdentifier"
	ValueTypeThumbprint = "http://docs.oasis-open.org/wss/oasis-wss-soap-message-security-1.1#ThumbprintSHA1"
	EncodingTypeBase64  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	PasswordTypeText    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
	PasswordTypeDigest  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// TokenReferenceMethod selects how the signing certificate is referenced
// from the signature's KeyInfo.
type TokenReferenceMethod string

const (
	TokenRefBinarySecurityToken TokenReferenceMethod = "BinarySecurityToken"
	TokenRefKeyIdentifier       TokenReferenceMethod = "KeyIdentifier"
	TokenRefIssuerSerial        TokenReferenceMethod = "IssuerSerial"
	TokenRefThumbprint          TokenReferenceMethod = "Thumbprint"
)

// Attachment represents a MIME attachment covered by a signature
type Attachment struct {
	ContentID   string // e.g., "<payload-1@jentrata.local>"
	ContentType string
	Data        []byte
}

// Security failures. Every error returned by the Enforcer wraps one of these.
var (
	ErrNoAgreement          = errors.New("no partner agreement to enforce")
	ErrPartnerNotAllowed    = errors.New("sender is not a party to the agreement")
	ErrSecurityHeader       = errors.New("missing wsse:Security header")
	ErrUsernameToken        = errors.New("username token verification failed")
	ErrSignatureMissing     = errors.New("message is not signed")
	ErrSignatureInvalid     = errors.New("signature verification failed")
	ErrAttachmentDigest     = errors.New("attachment digest mismatch")
	ErrUnknownAlias         = errors.New("unknown keystore alias")
	ErrEncryptNotSupported  = errors.New("encryption is not supported")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// ErrorCode maps a security failure onto the ebMS error catalog.
func ErrorCode(err error) message.EbmsError {
	switch {
	case errors.Is(err, ErrEncryptNotSupported), errors.Is(err, ErrUnsupportedAlgorithm):
		return message.EbmsPolicyNoncompliance
	case err == nil:
		return message.EbmsError{}
	default:
		return message.EbmsFailedAuthentication
	}
}

// ParseDigestAlgorithm accepts a hash name ("sha256") or a digest URI.
// Empty selects SHA-256.
func ParseDigestAlgorithm(s string) (crypto.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256", "sha-256", AlgorithmSHA256:
		return crypto.SHA256, nil
	case "sha384", "sha-384", AlgorithmSHA384:
		return crypto.SHA384, nil
	case "sha512", "sha-512", AlgorithmSHA512:
		return crypto.SHA512, nil
	case "sha1", "sha-1", AlgorithmSHA1:
		return crypto.SHA1, nil
	}
	return 0, fmt.Errorf("%w: digest %q", ErrUnsupportedAlgorithm, s)
}

// digestHash maps a digest URI to a hash function.
func digestHash(uri string) (crypto.Hash, bool) {
	switch uri {
	case AlgorithmSHA1:
		return crypto.SHA1, true
	case AlgorithmSHA256:
		return crypto.SHA256, true
	case AlgorithmSHA384, "http://www.w3.org/2001/04/xmlenc#sha384":
		return crypto.SHA384, true
	case AlgorithmSHA512, "http://www.w3.org/2001/04/xmldsig-more#sha512":
		return crypto.SHA512, true
	}
	return 0, false
}

// generateID generates a random ID for XML elements using hex encoding
// to avoid special characters like '=' that may cause issues with XPointer
func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
