package security

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"

	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// SignerOptions tunes the signatures produced by an RSASigner.
type SignerOptions struct {
	// Hash is the signature hash. Defaults to SHA-256.
	Hash crypto.Hash
	// DigestHash is the reference digest hash. Defaults to Hash.
	DigestHash crypto.Hash
	// TokenReference selects the KeyInfo form. Defaults to a
	// BinarySecurityToken reference.
	TokenReference TokenReferenceMethod
	// InclusiveNamespaces adds an InclusiveNamespaces PrefixList naming the
	// SOAP prefix to every envelope reference, not only the Messaging one.
	InclusiveNamespaces bool
	// TimestampTTL is the lifetime of the wsu:Timestamp. Defaults to 5m.
	TimestampTTL time.Duration
}

// RSASigner handles XML digital signatures using RSA keys.
// Uses signedxml library for all signature operations.
type RSASigner struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	cert       *x509.Certificate
	opts       SignerOptions
}

// NewRSASignerWithOptions creates a signer from explicit options.
func NewRSASignerWithOptions(privateKey *rsa.PrivateKey, cert *x509.Certificate, opts SignerOptions) (*RSASigner, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	s, err := NewRSAVerifier(cert)
	if err != nil {
		return nil, err
	}
	s.privateKey = privateKey
	s.opts = normalizeOptions(opts)
	return s, nil
}

// NewRSAVerifier creates a new RSA-based XML signature verifier (no private key required)
func NewRSAVerifier(cert *x509.Certificate) (*RSASigner, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	publicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate does not contain RSA public key")
	}
	return &RSASigner{
		publicKey: publicKey,
		cert:      cert,
		opts:      normalizeOptions(SignerOptions{}),
	}, nil
}

func normalizeOptions(opts SignerOptions) SignerOptions {
	if opts.Hash == 0 {
		opts.Hash = crypto.SHA256
	}
	if opts.DigestHash == 0 {
		opts.DigestHash = opts.Hash
	}
	if opts.TokenReference == "" {
		opts.TokenReference = TokenRefBinarySecurityToken
	}
	if opts.TimestampTTL <= 0 {
		opts.TimestampTTL = 5 * time.Minute
	}
	return opts
}

// Certificate returns the signer's certificate.
func (s *RSASigner) Certificate() *x509.Certificate {
	return s.cert
}

// SignEnvelopeWithAttachments signs the SOAP body, the ebMS Messaging
// header and a fresh wsu:Timestamp, plus every attachment by cid reference.
func (s *RSASigner) SignEnvelopeWithAttachments(envelopeXML []byte, attachments []Attachment) ([]byte, error) {
	if s.privateKey == nil {
		return nil, fmt.Errorf("private key is required for signing")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelopeXML); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("no root element found")
	}
	soapNS := root.NamespaceURI()
	if soapNS != message.NsSOAP11 && soapNS != message.NsSOAP12 {
		return nil, message.ErrNotEnvelope
	}

	ensureNamespaces(root, soapNS)

	header := message.Child(root, soapNS, "Header")
	if header == nil {
		header = etree.NewElement("env:Header")
		root.InsertChildAt(0, header)
	}
	security := securityHeader(header)

	bstID := "X509-" + generateID()
	if s.opts.TokenReference == TokenRefBinarySecurityToken {
		bst := security.CreateElement("wsse:BinarySecurityToken")
		bst.CreateAttr("wsu:Id", bstID)
		bst.CreateAttr("EncodingType", EncodingTypeBase64)
		bst.CreateAttr("ValueType", ValueTypeX509v3)
		bst.SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))
	}

	timestampID := "TS-" + generateID()
	timestamp := security.CreateElement("wsu:Timestamp")
	timestamp.CreateAttr("wsu:Id", timestampID)
	now := time.Now().UTC()
	timestamp.CreateElement("wsu:Created").SetText(now.Format(timestampLayout))
	timestamp.CreateElement("wsu:Expires").SetText(now.Add(s.opts.TimestampTTL).Format(timestampLayout))

	body := message.Child(root, soapNS, "Body")
	if body == nil {
		return nil, fmt.Errorf("SOAP Body not found")
	}
	bodyID := getOrCreateID(body, "id-")

	messaging := message.Child(header, message.NsEbMS, "Messaging")
	var messagingID string
	if messaging != nil {
		if message.AttrNS(messaging, soapNS, "mustUnderstand") == "" {
			messaging.CreateAttr("env:mustUnderstand", "true")
		}
		messagingID = getOrCreateID(messaging, "id-")
	}

	sig := security.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", message.NsDS)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	c14nMethod := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14nMethod.CreateAttr("Algorithm", AlgorithmC14N)
	c14nInclNS := c14nMethod.CreateElement("ec:InclusiveNamespaces")
	c14nInclNS.CreateAttr("xmlns:ec", AlgorithmC14N)
	c14nInclNS.CreateAttr("PrefixList", "env")

	sigMethod := signedInfo.CreateElement("ds:SignatureMethod")
	sigMethod.CreateAttr("Algorithm", s.signatureAlgorithmURI())

	// Timestamp first, then Body, then Messaging.
	inclusive := ""
	if s.opts.InclusiveNamespaces {
		inclusive = "env"
	}
	s.addReference(signedInfo, timestampID, inclusive)
	s.addReference(signedInfo, bodyID, inclusive)
	if messaging != nil {
		s.addReference(signedInfo, messagingID, "env")
	}
	for _, att := range attachments {
		s.addAttachmentReference(signedInfo, att)
	}

	sig.CreateElement("ds:SignatureValue").SetText("placeholder")

	keyInfo := sig.CreateElement("ds:KeyInfo")
	if err := s.buildSecurityTokenReference(keyInfo, bstID); err != nil {
		return nil, fmt.Errorf("failed to build security token reference: %w", err)
	}

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("failed to write XML: %w", err)
	}

	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	signer.SetReferenceIDAttribute("wsu:Id")

	signedXML, err := signer.Sign(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return []byte(signedXML), nil
}

// VerifyEnvelopeWithAttachments verifies the signature against the signer's
// certificate. The SOAP body, the Messaging header and every attachment must
// be referenced, and each attachment must match its referenced digest.
func (s *RSASigner) VerifyEnvelopeWithAttachments(envelopeXML []byte, attachments []Attachment) error {
	env, err := message.ParseEnvelope(envelopeXML)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	signature := message.Child(env.Security(), message.NsDS, "Signature")
	if signature == nil {
		return ErrSignatureMissing
	}
	refs := message.Children(message.Child(signature, message.NsDS, "SignedInfo"), message.NsDS, "Reference")

	byURI := make(map[string]*etree.Element, len(refs))
	for _, ref := range refs {
		byURI[ref.SelectAttrValue("URI", "")] = ref
	}
	if err := requireReference(byURI, env.Body(), "SOAP Body"); err != nil {
		return err
	}
	if messaging := env.Messaging(); messaging != nil {
		if err := requireReference(byURI, messaging, "Messaging header"); err != nil {
			return err
		}
	}

	validator, err := signedxml.NewValidator(string(envelopeXML))
	if err != nil {
		return fmt.Errorf("%w: failed to create validator: %v", ErrSignatureInvalid, err)
	}
	validator.Certificates = append(validator.Certificates, *s.cert)
	validator.SetReferenceIDAttribute("wsu:Id")
	if _, err := validator.ValidateReferences(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	for _, att := range attachments {
		uri := "cid:" + message.NormalizeContentID(att.ContentID)
		ref, ok := byURI[uri]
		if !ok {
			return fmt.Errorf("%w: attachment %s is not covered by the signature", ErrSignatureInvalid, uri)
		}
		if err := verifyAttachmentDigest(ref, att.Data); err != nil {
			return fmt.Errorf("%s: %w", uri, err)
		}
	}
	return nil
}

func requireReference(byURI map[string]*etree.Element, el *etree.Element, what string) error {
	if el == nil {
		return fmt.Errorf("%w: %s not found", ErrSignatureInvalid, what)
	}
	id := message.AttrNS(el, message.NsWSU, "Id")
	if id == "" {
		id = el.SelectAttrValue("Id", "")
	}
	if _, ok := byURI["#"+id]; id == "" || !ok {
		return fmt.Errorf("%w: %s is not covered by the signature", ErrSignatureInvalid, what)
	}
	return nil
}

func verifyAttachmentDigest(ref *etree.Element, data []byte) error {
	method := message.Child(ref, message.NsDS, "DigestMethod")
	if method == nil {
		return fmt.Errorf("%w: reference has no DigestMethod", ErrSignatureInvalid)
	}
	h, ok := digestHash(method.SelectAttrValue("Algorithm", ""))
	if !ok || !h.Available() {
		return fmt.Errorf("%w: digest %s", ErrUnsupportedAlgorithm, method.SelectAttrValue("Algorithm", ""))
	}
	want, err := base64.StdEncoding.DecodeString(message.PathText(ref, message.NsDS, "DigestValue"))
	if err != nil {
		return fmt.Errorf("%w: malformed DigestValue", ErrSignatureInvalid)
	}
	hasher := h.New()
	hasher.Write(data)
	if !bytes.Equal(hasher.Sum(nil), want) {
		return ErrAttachmentDigest
	}
	return nil
}

// Helper methods

// ensureNamespaces declares the prefixes used by the security header on the
// envelope root. env is bound to the envelope's own SOAP namespace.
func ensureNamespaces(root *etree.Element, soapNS string) {
	if root.SelectAttr("xmlns:env") == nil {
		root.CreateAttr("xmlns:env", soapNS)
	}
	if root.SelectAttr("xmlns:wsu") == nil {
		root.CreateAttr("xmlns:wsu", message.NsWSU)
	}
	if root.SelectAttr("xmlns:wsse") == nil {
		root.CreateAttr("xmlns:wsse", message.NsWSSE)
	}
}

// securityHeader returns the wsse:Security block of header, creating it.
func securityHeader(header *etree.Element) *etree.Element {
	if sec := message.Child(header, message.NsWSSE, "Security"); sec != nil {
		return sec
	}
	sec := header.CreateElement("wsse:Security")
	sec.CreateAttr("env:mustUnderstand", "true")
	return sec
}

func getOrCreateID(elem *etree.Element, prefix string) string {
	id := message.AttrNS(elem, message.NsWSU, "Id")
	if id == "" {
		id = prefix + generateID()
		elem.CreateAttr("wsu:Id", id)
	}
	return id
}

func (s *RSASigner) addReference(signedInfo *etree.Element, id string, prefixList string) {
	// Digest is computed by signedxml during Sign().
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id)

	transforms := ref.CreateElement("ds:Transforms")
	transform := transforms.CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmC14N)
	if prefixList != "" {
		inclNs := transform.CreateElement("ec:InclusiveNamespaces")
		inclNs.CreateAttr("xmlns:ec", AlgorithmC14N)
		inclNs.CreateAttr("PrefixList", prefixList)
	}

	digestMethod := ref.CreateElement("ds:DigestMethod")
	digestMethod.CreateAttr("Algorithm", s.digestAlgorithmURI())
	ref.CreateElement("ds:DigestValue").SetText("placeholder")
}

func (s *RSASigner) addAttachmentReference(signedInfo *etree.Element, att Attachment) {
	hasher := s.opts.DigestHash.New()
	hasher.Write(att.Data)
	digestValue := base64.StdEncoding.EncodeToString(hasher.Sum(nil))

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "cid:"+message.NormalizeContentID(att.ContentID))

	transforms := ref.CreateElement("ds:Transforms")
	transform := transforms.CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmAttachmentContent)

	digestMethod := ref.CreateElement("ds:DigestMethod")
	digestMethod.CreateAttr("Algorithm", s.digestAlgorithmURI())
	ref.CreateElement("ds:DigestValue").SetText(digestValue)
}

func (s *RSASigner) buildSecurityTokenReference(parent *etree.Element, bstID string) error {
	secTokenRef := parent.CreateElement("wsse:SecurityTokenReference")

	switch s.opts.TokenReference {
	case TokenRefBinarySecurityToken:
		reference := secTokenRef.CreateElement("wsse:Reference")
		reference.CreateAttr("URI", "#"+bstID)
		reference.CreateAttr("ValueType", ValueTypeX509v3)

	case TokenRefKeyIdentifier:
		keyID := secTokenRef.CreateElement("wsse:KeyIdentifier")
		keyID.CreateAttr("ValueType", ValueTypeSKI)
		keyID.CreateAttr("EncodingType", EncodingTypeBase64)

		skiBytes := s.cert.SubjectKeyId
		if len(skiBytes) == 0 {
			pubKeyBytes, err := x509.MarshalPKIXPublicKey(s.publicKey)
			if err != nil {
				return fmt.Errorf("failed to marshal public key: %w", err)
			}
			hash := sha256.Sum256(pubKeyBytes)
			skiBytes = hash[:20]
		}
		keyID.SetText(base64.StdEncoding.EncodeToString(skiBytes))

	case TokenRefIssuerSerial:
		x509Data := secTokenRef.CreateElement("ds:X509Data")
		x509Data.CreateAttr("xmlns:ds", message.NsDS)
		issuerSerial := x509Data.CreateElement("ds:X509IssuerSerial")
		issuerSerial.CreateElement("ds:X509IssuerName").SetText(s.cert.Issuer.String())
		issuerSerial.CreateElement("ds:X509SerialNumber").SetText(s.cert.SerialNumber.String())

	case TokenRefThumbprint:
		keyID := secTokenRef.CreateElement("wsse:KeyIdentifier")
		keyID.CreateAttr("ValueType", ValueTypeThumbprint)
		keyID.CreateAttr("EncodingType", EncodingTypeBase64)
		thumbprint := sha1.Sum(s.cert.Raw)
		keyID.SetText(base64.StdEncoding.EncodeToString(thumbprint[:]))

	default:
		return fmt.Errorf("unsupported token reference method: %s", s.opts.TokenReference)
	}
	return nil
}

func (s *RSASigner) signatureAlgorithmURI() string {
	switch s.opts.Hash {
	case crypto.SHA1:
		return AlgorithmRSASHA1
	case crypto.SHA384:
		return AlgorithmRSASHA384
	case crypto.SHA512:
		return AlgorithmRSASHA512
	default:
		return AlgorithmRSASHA256
	}
}

func (s *RSASigner) digestAlgorithmURI() string {
	switch s.opts.DigestHash {
	case crypto.SHA1:
		return AlgorithmSHA1
	case crypto.SHA384:
		return AlgorithmSHA384
	case crypto.SHA512:
		return AlgorithmSHA512
	default:
		return AlgorithmSHA256
	}
}
