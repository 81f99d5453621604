package security

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// DefaultTokenTTL is the freshness window for inbound username tokens.
const DefaultTokenTTL = 5 * time.Minute

// KeyStore resolves the aliases named by partner agreements.
type KeyStore interface {
	// SigningKey returns the private key and certificate for a local alias.
	SigningKey(alias string) (crypto.Signer, *x509.Certificate, error)
	// Certificate returns the certificate stored under alias.
	Certificate(alias string) (*x509.Certificate, error)
}

// Config configures an Enforcer.
type Config struct {
	KeyStore KeyStore
	Logger   *slog.Logger
	// TokenTTL bounds the age of an inbound UsernameToken. Zero selects
	// DefaultTokenTTL; a negative value disables the check.
	TokenTTL time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Result is the outcome of Verify. A failed verification is reported here
// rather than returned as an error so the pipeline can branch on it.
type Result struct {
	OK    bool
	Cause error
	// Signed reports whether a signature was present and verified.
	Signed bool
	// Username is the verified UsernameToken user, if any.
	Username string
}

// Code returns the ebMS error matching a failed result.
func (r Result) Code() message.EbmsError {
	if r.OK {
		return message.EbmsError{}
	}
	return ErrorCode(r.Cause)
}

// Enforcer applies the security section of a partner agreement to inbound
// and outbound messages.
type Enforcer struct {
	keys     KeyStore
	logger   *slog.Logger
	tokenTTL time.Duration
	now      func() time.Time
}

// NewEnforcer creates an enforcer. A nil KeyStore is allowed as long as no
// agreement carries a signature configuration.
func NewEnforcer(cfg Config) *Enforcer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TokenTTL
	switch {
	case ttl == 0:
		ttl = DefaultTokenTTL
	case ttl < 0:
		ttl = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Enforcer{
		keys:     cfg.KeyStore,
		logger:   logger.With(slog.String("component", "security")),
		tokenTTL: ttl,
		now:      now,
	}
}

// Verify checks an inbound message against agreement a. raw must be the
// exact bytes the signature was computed over.
func (e *Enforcer) Verify(ctx context.Context, raw []byte, env *message.Envelope, typ message.MessageType, attachments []Attachment, a *cpa.PartnerAgreement) Result {
	res := e.verify(raw, env, typ, attachments, a)
	if !res.OK {
		e.logger.WarnContext(ctx, "security verification failed",
			slog.String("type", typ.String()),
			slog.String("cpa_id", cpaID(a)),
			slog.String("error", res.Cause.Error()))
	}
	return res
}

func (e *Enforcer) verify(raw []byte, env *message.Envelope, typ message.MessageType, attachments []Attachment, a *cpa.PartnerAgreement) Result {
	if typ == message.TypeSignalMessageError {
		return Result{OK: true}
	}
	if a == nil {
		return failed(ErrNoAgreement)
	}

	if typ == message.TypeUserMessage {
		hdr, err := message.ExtractHeader(env)
		if err != nil {
			return failed(fmt.Errorf("%w: %v", ErrPartnerNotAllowed, err))
		}
		if !a.IsAllowedPartner(hdr.From.PartyID) {
			return failed(fmt.Errorf("%w: %s", ErrPartnerNotAllowed, hdr.From.PartyID))
		}
	}

	sig := a.SignatureConfig()
	if sig != nil && sig.Encrypt {
		return failed(ErrEncryptNotSupported)
	}

	// A synchronous signal is authenticated by its signature alone, and
	// accepted unsigned when the agreement has no signature policy.
	if typ.IsSignal() && a.ReplyPattern() == cpa.ReplyResponse {
		if sig == nil {
			return Result{OK: true}
		}
		if err := e.verifySignature(raw, attachments, sig); err != nil {
			return failed(err)
		}
		return Result{OK: true, Signed: true}
	}

	res := Result{OK: true}
	if policy := tokenPolicy(a); policy != nil {
		if err := VerifyUsernameToken(env, policy, e.now(), e.tokenTTL); err != nil {
			return failed(err)
		}
		res.Username = policy.Username
	}
	if sig != nil {
		if err := e.verifySignature(raw, attachments, sig); err != nil {
			return failed(err)
		}
		res.Signed = true
	}
	return res
}

func (e *Enforcer) verifySignature(raw []byte, attachments []Attachment, sig *cpa.Signature) error {
	cert, err := e.certificate(sig.TrustAlias())
	if err != nil {
		return err
	}
	verifier, err := NewRSAVerifier(cert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return verifier.VerifyEnvelopeWithAttachments(raw, attachments)
}

// Sign applies the outbound half of agreement a to env and returns the
// serialised envelope. When the agreement asks for nothing the envelope is
// returned as is.
func (e *Enforcer) Sign(ctx context.Context, env *message.Envelope, typ message.MessageType, attachments []Attachment, a *cpa.PartnerAgreement) ([]byte, error) {
	if a == nil {
		return nil, ErrNoAgreement
	}
	sig := a.SignatureConfig()
	if sig != nil && sig.Encrypt {
		return nil, ErrEncryptNotSupported
	}
	if typ.IsSignal() && a.ReplyPattern() == cpa.ReplyResponse && !a.NonRepudiation() && sig == nil {
		return env.Bytes()
	}

	if policy := tokenPolicy(a); policy != nil {
		if err := AddUsernameToken(env, policy, e.now()); err != nil {
			return nil, err
		}
	}

	raw, err := env.Bytes()
	if err != nil {
		return nil, fmt.Errorf("serialise envelope: %w", err)
	}
	if sig == nil {
		return raw, nil
	}

	signer, err := e.signer(sig)
	if err != nil {
		return nil, err
	}
	signed, err := signer.SignEnvelopeWithAttachments(raw, attachments)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	e.logger.DebugContext(ctx, "signed envelope",
		slog.String("type", typ.String()),
		slog.String("cpa_id", a.CPAID),
		slog.Int("attachments", len(attachments)))
	return signed, nil
}

func (e *Enforcer) signer(sig *cpa.Signature) (*RSASigner, error) {
	if e.keys == nil {
		return nil, fmt.Errorf("%w: no keystore configured", ErrUnknownAlias)
	}
	key, cert, err := e.keys.SigningKey(sig.KeyStoreAlias)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownAlias, sig.KeyStoreAlias, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: alias %s is not an RSA key", ErrUnsupportedAlgorithm, sig.KeyStoreAlias)
	}
	digest, err := ParseDigestAlgorithm(sig.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	tokenRef, err := parseTokenReference(sig.TokenReference)
	if err != nil {
		return nil, err
	}
	return NewRSASignerWithOptions(rsaKey, cert, SignerOptions{
		Hash:                crypto.SHA256,
		DigestHash:          digest,
		TokenReference:      tokenRef,
		InclusiveNamespaces: sig.InclusiveNamespaces,
	})
}

func (e *Enforcer) certificate(alias string) (*x509.Certificate, error) {
	if e.keys == nil {
		return nil, fmt.Errorf("%w: no keystore configured", ErrUnknownAlias)
	}
	cert, err := e.keys.Certificate(alias)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownAlias, alias, err)
	}
	return cert, nil
}

// tokenPolicy returns the agreement's username token requirement. Missing
// credentials fall back to the initiator's authorization block.
func tokenPolicy(a *cpa.PartnerAgreement) *cpa.UsernameToken {
	if !a.HasSecurityToken() {
		return nil
	}
	policy := *a.Security.SecurityToken
	if policy.Username == "" && a.Initiator.Authorization != nil {
		policy.Username = a.Initiator.Authorization.Username
		policy.Password = a.Initiator.Authorization.Password
	}
	return &policy
}

func parseTokenReference(s string) (TokenReferenceMethod, error) {
	switch m := TokenReferenceMethod(s); m {
	case "":
		return TokenRefBinarySecurityToken, nil
	case TokenRefBinarySecurityToken, TokenRefKeyIdentifier, TokenRefIssuerSerial, TokenRefThumbprint:
		return m, nil
	}
	return "", fmt.Errorf("%w: token reference %q", ErrUnsupportedAlgorithm, s)
}

func failed(err error) Result {
	return Result{Cause: err}
}

func cpaID(a *cpa.PartnerAgreement) string {
	if a == nil {
		return cpa.UnknownCPAID
	}
	return a.CPAID
}
