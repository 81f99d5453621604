package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateRSATestCert generates a test RSA certificate
func generateRSATestCert(t *testing.T, publicKey *rsa.PublicKey, privateKey *rsa.PrivateKey) *x509.Certificate {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Organization"},
			CommonName:   "test.example.com",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return cert
}

const testUserEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"
               xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
    <soap:Header>
        <eb:Messaging>
            <eb:UserMessage>
                <eb:MessageInfo>
                    <eb:Timestamp>2024-01-01T00:00:00Z</eb:Timestamp>
                    <eb:MessageId>test-message-123@jentrata.local</eb:MessageId>
                </eb:MessageInfo>
            </eb:UserMessage>
        </eb:Messaging>
    </soap:Header>
    <soap:Body><Invoice xmlns="urn:test">42</Invoice></soap:Body>
</soap:Envelope>`

func newTestKeyPair(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return privateKey, generateRSATestCert(t, &privateKey.PublicKey, privateKey)
}

func TestRSASigner_SignAndVerifyEnvelope(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)

	// Create RSA signer with SHA-256
	signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: crypto.SHA256})
	require.NoError(t, err)
	require.NotNil(t, signer)

	// Test SOAP envelope
	envelopeXML := []byte(testUserEnvelope)

	// Sign the envelope
	signedXML, err := signer.SignEnvelopeWithAttachments(envelopeXML, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, signedXML)

	// Verify signed XML contains signature elements
	signedStr := string(signedXML)
	assert.Contains(t, signedStr, "Signature")
	assert.Contains(t, signedStr, "SignatureValue")
	assert.Contains(t, signedStr, "BinarySecurityToken")
	assert.Contains(t, signedStr, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256")
	assert.Contains(t, signedStr, `mustUnderstand="true"`)

	// Verify the signature
	err = signer.VerifyEnvelopeWithAttachments(signedXML, nil)
	require.NoError(t, err, "Signature verification should succeed")
}

func TestRSASigner_DifferentHashAlgorithms(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)

	envelopeXML := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">
    <soap:Header></soap:Header>
    <soap:Body><test>Test</test></soap:Body>
</soap:Envelope>`)

	testCases := []struct {
		name     string
		hashAlgo crypto.Hash
		algoURI  string
	}{
		{"SHA-256", crypto.SHA256, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"},
		{"SHA-384", crypto.SHA384, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"},
		{"SHA-512", crypto.SHA512, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: tc.hashAlgo})
			require.NoError(t, err)

			signedXML, err := signer.SignEnvelopeWithAttachments(envelopeXML, nil)
			require.NoError(t, err)
			assert.Contains(t, string(signedXML), tc.algoURI)

			err = signer.VerifyEnvelopeWithAttachments(signedXML, nil)
			require.NoError(t, err)
		})
	}
}

func TestRSASigner_SignEnvelopeWithAttachments(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)

	// Create RSA signer
	signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: crypto.SHA256})
	require.NoError(t, err)

	// Test SOAP envelope
	envelopeXML := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">
    <soap:Header></soap:Header>
    <soap:Body>
        <eb:Messaging xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
            <eb:UserMessage>
                <eb:MessageInfo>
                    <eb:MessageId>test-msg-123</eb:MessageId>
                </eb:MessageInfo>
            </eb:UserMessage>
        </eb:Messaging>
    </soap:Body>
</soap:Envelope>`)

	// Create test attachments
	attachments := []Attachment{
		{
			ContentID:   "<payload-1@jentrata.local>",
			ContentType: "application/xml",
			Data:        []byte("<Document>Attachment 1 content</Document>"),
		},
		{
			ContentID:   "<payload-2@jentrata.local>",
			ContentType: "application/pdf",
			Data:        []byte("PDF binary data here..."),
		},
	}

	// Sign envelope with attachments
	signedXML, err := signer.SignEnvelopeWithAttachments(envelopeXML, attachments)
	require.NoError(t, err)
	assert.NotEmpty(t, signedXML)

	// Verify signed XML contains signature elements
	signedStr := string(signedXML)
	assert.Contains(t, signedStr, "Signature")
	assert.Contains(t, signedStr, "SignatureValue")
	assert.Contains(t, signedStr, "BinarySecurityToken")

	// Verify attachment references are present
	assert.Contains(t, signedStr, "cid:payload-1@jentrata.local")
	assert.Contains(t, signedStr, "cid:payload-2@jentrata.local")
	assert.Contains(t, signedStr, "Attachment-Content-Signature-Transform")

	// Verify the signature (basic verification)
	err = signer.VerifyEnvelopeWithAttachments(signedXML, attachments)
	require.NoError(t, err, "Signature verification should succeed")
}

func TestRSASigner_TamperedAttachment(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)
	signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: crypto.SHA256})
	require.NoError(t, err)

	attachments := []Attachment{{
		ContentID:   "<payload-1@jentrata.local>",
		ContentType: "application/xml",
		Data:        []byte("<Document>original</Document>"),
	}}
	signedXML, err := signer.SignEnvelopeWithAttachments([]byte(testUserEnvelope), attachments)
	require.NoError(t, err)

	tampered := []Attachment{attachments[0]}
	tampered[0].Data = []byte("<Document>changed</Document>")

	err = signer.VerifyEnvelopeWithAttachments(signedXML, tampered)
	assert.ErrorIs(t, err, ErrAttachmentDigest)
	assert.Equal(t, []byte("<Document>original</Document>"), attachments[0].Data)

	// An attachment the signature does not cover is rejected too.
	extra := append(attachments, Attachment{ContentID: "<payload-2@jentrata.local>", Data: []byte("x")})
	err = signer.VerifyEnvelopeWithAttachments(signedXML, extra)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestRSASigner_TamperedEnvelope(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)
	signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: crypto.SHA256})
	require.NoError(t, err)

	signedXML, err := signer.SignEnvelopeWithAttachments([]byte(testUserEnvelope), nil)
	require.NoError(t, err)

	tampered := strings.Replace(string(signedXML), ">42<", ">43<", 1)
	require.NotEqual(t, string(signedXML), tampered)
	assert.ErrorIs(t, signer.VerifyEnvelopeWithAttachments([]byte(tampered), nil), ErrSignatureInvalid)

	tampered = strings.Replace(string(signedXML), "test-message-123@", "test-message-124@", 1)
	assert.ErrorIs(t, signer.VerifyEnvelopeWithAttachments([]byte(tampered), nil), ErrSignatureInvalid)
}

func TestRSAVerifier_WrongCertificate(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)
	_, otherCert := newTestKeyPair(t)

	signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: crypto.SHA256})
	require.NoError(t, err)
	signedXML, err := signer.SignEnvelopeWithAttachments([]byte(testUserEnvelope), nil)
	require.NoError(t, err)

	verifier, err := NewRSAVerifier(otherCert)
	require.NoError(t, err)
	assert.ErrorIs(t, verifier.VerifyEnvelopeWithAttachments(signedXML, nil), ErrSignatureInvalid)

	verifier, err = NewRSAVerifier(cert)
	require.NoError(t, err)
	assert.NoError(t, verifier.VerifyEnvelopeWithAttachments(signedXML, nil))

	_, err = verifier.SignEnvelopeWithAttachments([]byte(testUserEnvelope), nil)
	assert.Error(t, err, "a verifier holds no private key")
}

func TestRSAVerifier_Unsigned(t *testing.T) {
	_, cert := newTestKeyPair(t)
	verifier, err := NewRSAVerifier(cert)
	require.NoError(t, err)

	assert.ErrorIs(t, verifier.VerifyEnvelopeWithAttachments([]byte(testUserEnvelope), nil), ErrSignatureMissing)
	assert.ErrorIs(t, verifier.VerifyEnvelopeWithAttachments([]byte("<not-soap/>"), nil), ErrSignatureInvalid)
}

func TestRSASigner_SOAP11(t *testing.T) {
	privateKey, cert := newTestKeyPair(t)
	signer, err := NewRSASignerWithOptions(privateKey, cert, SignerOptions{Hash: crypto.SHA256})
	require.NoError(t, err)

	envelope := strings.Replace(testUserEnvelope, "http://www.w3.org/2003/05/soap-envelope", "http://schemas.xmlsoap.org/soap/envelope/", 1)
	signedXML, err := signer.SignEnvelopeWithAttachments([]byte(envelope), nil)
	require.NoError(t, err)
	assert.Contains(t, string(signedXML), `xmlns:env="http://schemas.xmlsoap.org/soap/envelope/"`)
	assert.NoError(t, signer.VerifyEnvelopeWithAttachments(signedXML, nil))
}

func TestParseDigestAlgorithm(t *testing.T) {
	tests := map[string]crypto.Hash{
		"":              crypto.SHA256,
		"SHA256":        crypto.SHA256,
		"sha-384":       crypto.SHA384,
		"sha512":        crypto.SHA512,
		"sha1":          crypto.SHA1,
		AlgorithmSHA256: crypto.SHA256,
	}
	for in, want := range tests {
		got, err := ParseDigestAlgorithm(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDigestAlgorithm("md5")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
