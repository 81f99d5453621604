package security

import (
	"context"
	"crypto"
	"crypto/x509"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// mapKeyStore is an in-memory KeyStore.
type mapKeyStore struct {
	keys  map[string]crypto.Signer
	certs map[string]*x509.Certificate
}

func newMapKeyStore() *mapKeyStore {
	return &mapKeyStore{keys: map[string]crypto.Signer{}, certs: map[string]*x509.Certificate{}}
}

func (m *mapKeyStore) add(t *testing.T, alias string) {
	key, cert := newTestKeyPair(t)
	m.keys[alias] = key
	m.certs[alias] = cert
}

func (m *mapKeyStore) SigningKey(alias string) (crypto.Signer, *x509.Certificate, error) {
	key, ok := m.keys[alias]
	if !ok {
		return nil, nil, ErrUnknownAlias
	}
	return key, m.certs[alias], nil
}

func (m *mapKeyStore) Certificate(alias string) (*x509.Certificate, error) {
	cert, ok := m.certs[alias]
	if !ok {
		return nil, ErrUnknownAlias
	}
	return cert, nil
}

func testAgreement(security *cpa.Security) *cpa.PartnerAgreement {
	return &cpa.PartnerAgreement{
		CPAID:     "testCPAId1",
		Active:    true,
		Initiator: cpa.Party{PartyID: "123456789"},
		Responder: cpa.Party{PartyID: "192837465"},
		Security:  security,
		Services: []cpa.Service{{
			Service: "service1",
			Actions: []cpa.Action{{Action: "action1"}},
		}},
	}
}

func buildUserMessage(t *testing.T, from string) *message.Envelope {
	t.Helper()
	env, _, err := message.NewUserMessage(
		message.WithMessageID("ABC123@jentrata.org"),
		message.WithFrom(from, ""),
		message.WithTo("192837465", ""),
		message.WithService("service1", ""),
		message.WithAction("action1"),
		message.WithConversationID("test"),
	).AddPayload(message.PayloadPart{ContentID: "payload-1@jentrata.org", ContentType: "application/xml"}).BuildEnvelope()
	require.NoError(t, err)
	return env
}

// roundTrip signs env and reparses the result the way the inbound side sees it.
func roundTrip(t *testing.T, e *Enforcer, env *message.Envelope, typ message.MessageType, atts []Attachment, a *cpa.PartnerAgreement) ([]byte, *message.Envelope) {
	t.Helper()
	raw, err := e.Sign(context.Background(), env, typ, atts, a)
	require.NoError(t, err)
	parsed, err := message.ParseEnvelope(raw)
	require.NoError(t, err)
	return raw, parsed
}

var testAttachments = []Attachment{{
	ContentID:   "<payload-1@jentrata.org>",
	ContentType: "application/xml",
	Data:        []byte("<Invoice>42</Invoice>"),
}}

func TestEnforcer_NoPolicy(t *testing.T) {
	e := NewEnforcer(Config{})
	a := testAgreement(nil)

	raw, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, a)
	assert.NotContains(t, string(raw), "Security")

	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a)
	assert.True(t, res.OK)
	assert.False(t, res.Signed)
	assert.True(t, res.Code().IsZero())
}

func TestEnforcer_UsernameTokenOnly(t *testing.T) {
	for _, digest := range []bool{false, true} {
		e := NewEnforcer(Config{})
		a := testAgreement(&cpa.Security{
			SecurityToken: &cpa.UsernameToken{Username: "jentrata", Password: "verySecret", Digest: digest, Nonce: digest, Created: true},
		})

		raw, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, a)
		assert.Contains(t, string(raw), "UsernameToken")

		res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a)
		require.True(t, res.OK, "digest=%v: %v", digest, res.Cause)
		assert.Equal(t, "jentrata", res.Username)

		wrong := testAgreement(&cpa.Security{
			SecurityToken: &cpa.UsernameToken{Username: "jentrata", Password: "other", Digest: digest, Nonce: digest, Created: true},
		})
		res = e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, wrong)
		assert.False(t, res.OK)
		assert.ErrorIs(t, res.Cause, ErrUsernameToken)
		assert.Equal(t, message.EbmsFailedAuthentication, res.Code())
	}
}

func TestEnforcer_MissingUsernameToken(t *testing.T) {
	e := NewEnforcer(Config{})
	raw, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, testAgreement(nil))

	a := testAgreement(&cpa.Security{SecurityToken: &cpa.UsernameToken{Username: "jentrata", Password: "verySecret"}})
	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Cause, ErrUsernameToken)
}

func TestEnforcer_AuthorizationCredentials(t *testing.T) {
	e := NewEnforcer(Config{})
	a := testAgreement(&cpa.Security{SecurityToken: &cpa.UsernameToken{}})
	a.Initiator.Authorization = &cpa.Authorization{Username: "initiator", Password: "secret"}

	raw, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, a)
	assert.Contains(t, string(raw), ">initiator<")

	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a)
	assert.True(t, res.OK, "%v", res.Cause)
}

func TestEnforcer_PartnerNotAllowed(t *testing.T) {
	e := NewEnforcer(Config{})
	a := testAgreement(nil)

	raw, env := roundTrip(t, e, buildUserMessage(t, "999999999"), message.TypeUserMessage, nil, a)
	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Cause, ErrPartnerNotAllowed)
}

func TestEnforcer_NoAgreement(t *testing.T) {
	e := NewEnforcer(Config{})
	env := buildUserMessage(t, "123456789")
	raw, err := env.Bytes()
	require.NoError(t, err)

	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, nil)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Cause, ErrNoAgreement)

	_, err = e.Sign(context.Background(), env, message.TypeUserMessage, nil, nil)
	assert.ErrorIs(t, err, ErrNoAgreement)
}

func TestEnforcer_ErrorSignalBypass(t *testing.T) {
	e := NewEnforcer(Config{})
	env := message.NewErrorSignal(message.ErrorSignalOptions{RefToMessageID: "ABC123@jentrata.org", Code: message.EbmsOther})
	raw, err := env.Bytes()
	require.NoError(t, err)

	res := e.Verify(context.Background(), raw, env, message.TypeSignalMessageError, nil, nil)
	assert.True(t, res.OK)
}

func TestEnforcer_SignatureRoundTrip(t *testing.T) {
	keys := newMapKeyStore()
	keys.add(t, "jentrata")
	e := NewEnforcer(Config{KeyStore: keys})

	a := testAgreement(&cpa.Security{
		SecurityToken: &cpa.UsernameToken{Username: "jentrata", Password: "verySecret", Digest: true},
		Signature:     &cpa.Signature{KeyStoreAlias: "jentrata", DigestAlgorithm: "sha256"},
	})

	raw, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, testAttachments, a)
	assert.Contains(t, string(raw), "cid:payload-1@jentrata.org")

	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, testAttachments, a)
	require.True(t, res.OK, "%v", res.Cause)
	assert.True(t, res.Signed)

	t.Run("tampered attachment", func(t *testing.T) {
		tampered := []Attachment{{
			ContentID:   testAttachments[0].ContentID,
			ContentType: testAttachments[0].ContentType,
			Data:        []byte("<Invoice>43</Invoice>"),
		}}
		res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, tampered, a)
		assert.False(t, res.OK)
		assert.ErrorIs(t, res.Cause, ErrAttachmentDigest)
		assert.Equal(t, message.EbmsFailedAuthentication, res.Code())
		assert.Equal(t, []byte("<Invoice>42</Invoice>"), testAttachments[0].Data)
	})

	t.Run("tampered envelope", func(t *testing.T) {
		mutated := []byte(strings.Replace(string(raw), ">action1<", ">action2<", 1))
		env, err := message.ParseEnvelope(mutated)
		require.NoError(t, err)
		res := e.Verify(context.Background(), mutated, env, message.TypeUserMessage, testAttachments, a)
		assert.False(t, res.OK)
		assert.ErrorIs(t, res.Cause, ErrSignatureInvalid)
	})

	t.Run("unsigned", func(t *testing.T) {
		plain, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, testAgreement(&cpa.Security{
			SecurityToken: &cpa.UsernameToken{Username: "jentrata", Password: "verySecret", Digest: true},
		}))
		res := e.Verify(context.Background(), plain, env, message.TypeUserMessage, nil, a)
		assert.False(t, res.OK)
		assert.ErrorIs(t, res.Cause, ErrSignatureMissing)
	})
}

func TestEnforcer_PartnerCertificate(t *testing.T) {
	keys := newMapKeyStore()
	keys.add(t, "partner")
	keys.add(t, "stranger")
	e := NewEnforcer(Config{KeyStore: keys})

	sender := testAgreement(&cpa.Security{Signature: &cpa.Signature{KeyStoreAlias: "partner"}})
	raw, env := roundTrip(t, e, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, sender)

	receiver := testAgreement(&cpa.Security{Signature: &cpa.Signature{KeyStoreAlias: "local", PartnerCertAlias: "partner"}})
	assert.True(t, e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, receiver).OK)

	receiver.Security.Signature.PartnerCertAlias = "stranger"
	res := e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, receiver)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Cause, ErrSignatureInvalid)

	receiver.Security.Signature.PartnerCertAlias = "nobody"
	res = e.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, receiver)
	assert.ErrorIs(t, res.Cause, ErrUnknownAlias)
}

func TestEnforcer_ResponseSignal(t *testing.T) {
	keys := newMapKeyStore()
	keys.add(t, "jentrata")
	e := NewEnforcer(Config{KeyStore: keys})

	inbound := buildUserMessage(t, "123456789")
	receipt := message.NewReceipt(inbound, message.ReceiptOptions{})

	t.Run("skipped without policy", func(t *testing.T) {
		a := testAgreement(&cpa.Security{SendReceipt: true, SendReceiptReplyPattern: cpa.ReplyResponse})
		want, err := receipt.Bytes()
		require.NoError(t, err)
		got, err := e.Sign(context.Background(), receipt, message.TypeSignalMessage, nil, a)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("signature alone suffices", func(t *testing.T) {
		signOnly := testAgreement(&cpa.Security{
			SendReceipt:             true,
			SendReceiptReplyPattern: cpa.ReplyResponse,
			Signature:               &cpa.Signature{KeyStoreAlias: "jentrata"},
		})
		raw, env := roundTrip(t, e, message.NewReceipt(inbound, message.ReceiptOptions{}), message.TypeSignalMessage, nil, signOnly)
		assert.NotContains(t, string(raw), "UsernameToken")

		a := testAgreement(&cpa.Security{
			SendReceipt:             true,
			SendReceiptReplyPattern: cpa.ReplyResponse,
			SecurityToken:           &cpa.UsernameToken{Username: "jentrata", Password: "verySecret"},
			Signature:               &cpa.Signature{KeyStoreAlias: "jentrata"},
		})
		res := e.Verify(context.Background(), raw, env, message.TypeSignalMessage, nil, a)
		assert.True(t, res.OK, "%v", res.Cause)
		assert.True(t, res.Signed)
	})

	t.Run("no signature policy", func(t *testing.T) {
		a := testAgreement(&cpa.Security{
			SendReceiptReplyPattern: cpa.ReplyResponse,
			SecurityToken:           &cpa.UsernameToken{Username: "jentrata", Password: "verySecret"},
		})
		raw, err := receipt.Bytes()
		require.NoError(t, err)
		res := e.Verify(context.Background(), raw, receipt, message.TypeSignalMessage, nil, a)
		assert.True(t, res.OK, "%v", res.Cause)
		assert.False(t, res.Signed)
	})

	t.Run("unsigned receipt rejected", func(t *testing.T) {
		a := testAgreement(&cpa.Security{
			SendReceiptReplyPattern: cpa.ReplyResponse,
			Signature:               &cpa.Signature{KeyStoreAlias: "jentrata"},
		})
		raw, err := receipt.Bytes()
		require.NoError(t, err)
		res := e.Verify(context.Background(), raw, receipt, message.TypeSignalMessage, nil, a)
		assert.False(t, res.OK)
		assert.ErrorIs(t, res.Cause, ErrSignatureMissing)
	})
}

func TestEnforcer_CallbackSignalToken(t *testing.T) {
	e := NewEnforcer(Config{})
	a := testAgreement(&cpa.Security{
		SendReceiptReplyPattern: cpa.ReplyCallback,
		SecurityToken:           &cpa.UsernameToken{Username: "jentrata", Password: "verySecret", Digest: true, Nonce: true, Created: true},
	})
	receipt := message.NewReceipt(buildUserMessage(t, "123456789"), message.ReceiptOptions{})

	raw, env := roundTrip(t, e, receipt, message.TypeSignalMessage, nil, a)
	assert.Contains(t, string(raw), "UsernameToken")

	res := e.Verify(context.Background(), raw, env, message.TypeSignalMessage, nil, a)
	assert.True(t, res.OK, "%v", res.Cause)
	assert.Equal(t, "jentrata", res.Username)
}

func TestEnforcer_Encrypt(t *testing.T) {
	e := NewEnforcer(Config{KeyStore: newMapKeyStore()})
	a := testAgreement(&cpa.Security{Signature: &cpa.Signature{KeyStoreAlias: "jentrata", Encrypt: true}})

	_, err := e.Sign(context.Background(), buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, a)
	assert.ErrorIs(t, err, ErrEncryptNotSupported)
	assert.Equal(t, message.EbmsPolicyNoncompliance, ErrorCode(err))
}

func TestEnforcer_TokenTTL(t *testing.T) {
	signedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := testAgreement(&cpa.Security{
		SecurityToken: &cpa.UsernameToken{Username: "jentrata", Password: "verySecret", Created: true},
	})

	signer := NewEnforcer(Config{Now: func() time.Time { return signedAt }})
	raw, env := roundTrip(t, signer, buildUserMessage(t, "123456789"), message.TypeUserMessage, nil, a)

	late := NewEnforcer(Config{Now: func() time.Time { return signedAt.Add(10 * time.Minute) }})
	res := late.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a)
	assert.ErrorIs(t, res.Cause, ErrUsernameToken)

	lenient := NewEnforcer(Config{TokenTTL: -1, Now: func() time.Time { return signedAt.Add(10 * time.Minute) }})
	assert.True(t, lenient.Verify(context.Background(), raw, env, message.TypeUserMessage, nil, a).OK)
}
