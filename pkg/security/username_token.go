package security

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// PasswordDigest computes Base64(SHA-1(nonce + created + password)) as
// defined by the WS-Security UsernameToken profile.
func PasswordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AddUsernameToken adds a wsse:UsernameToken for policy to the envelope's
// security header.
func AddUsernameToken(env *message.Envelope, policy *cpa.UsernameToken, now time.Time) error {
	root := env.Doc.Root()
	ensureNamespaces(root, root.NamespaceURI())
	header := env.Header()
	if header == nil {
		header = etree.NewElement("env:Header")
		root.InsertChildAt(0, header)
	}
	security := securityHeader(header)

	token := security.CreateElement("wsse:UsernameToken")
	token.CreateAttr("wsu:Id", "UsernameToken-"+generateID())
	token.CreateElement("wsse:Username").SetText(policy.Username)

	var nonce []byte
	if policy.Nonce || policy.Digest {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
	}
	created := ""
	if policy.Created || policy.Digest {
		created = now.UTC().Format(timestampLayout)
	}

	password := token.CreateElement("wsse:Password")
	if policy.Digest {
		password.CreateAttr("Type", PasswordTypeDigest)
		password.SetText(PasswordDigest(nonce, created, policy.Password))
	} else {
		password.CreateAttr("Type", PasswordTypeText)
		password.SetText(policy.Password)
	}
	if nonce != nil {
		n := token.CreateElement("wsse:Nonce")
		n.CreateAttr("EncodingType", EncodingTypeBase64)
		n.SetText(base64.StdEncoding.EncodeToString(nonce))
	}
	if created != "" {
		token.CreateElement("wsu:Created").SetText(created)
	}
	return nil
}

// VerifyUsernameToken checks the envelope's UsernameToken against policy.
// A token whose Created time is older than ttl is rejected; a zero ttl
// disables the freshness check.
func VerifyUsernameToken(env *message.Envelope, policy *cpa.UsernameToken, now time.Time, ttl time.Duration) error {
	security := env.Security()
	if security == nil {
		return fmt.Errorf("%w: %w", ErrUsernameToken, ErrSecurityHeader)
	}
	token := message.Child(security, message.NsWSSE, "UsernameToken")
	if token == nil {
		return fmt.Errorf("%w: no UsernameToken", ErrUsernameToken)
	}

	username := message.PathText(token, message.NsWSSE, "Username")
	if subtle.ConstantTimeCompare([]byte(username), []byte(policy.Username)) != 1 {
		return fmt.Errorf("%w: unexpected username", ErrUsernameToken)
	}

	created := message.PathText(token, message.NsWSU, "Created")
	if (policy.Created || policy.Digest) && created == "" {
		return fmt.Errorf("%w: missing Created", ErrUsernameToken)
	}
	if created != "" && ttl > 0 {
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return fmt.Errorf("%w: malformed Created", ErrUsernameToken)
		}
		if now.Sub(ts) > ttl || ts.Sub(now) > time.Minute {
			return fmt.Errorf("%w: token expired", ErrUsernameToken)
		}
	}

	var nonce []byte
	if raw := message.PathText(token, message.NsWSSE, "Nonce"); raw != "" {
		n, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("%w: malformed Nonce", ErrUsernameToken)
		}
		nonce = n
	} else if policy.Nonce || policy.Digest {
		return fmt.Errorf("%w: missing Nonce", ErrUsernameToken)
	}

	passwordEl := message.Child(token, message.NsWSSE, "Password")
	if passwordEl == nil {
		return fmt.Errorf("%w: missing Password", ErrUsernameToken)
	}
	got := passwordEl.Text()
	passwordType := passwordEl.SelectAttrValue("Type", PasswordTypeText)

	var want string
	switch {
	case policy.Digest && passwordType == PasswordTypeDigest:
		want = PasswordDigest(nonce, created, policy.Password)
	case !policy.Digest && passwordType == PasswordTypeText:
		want = policy.Password
	default:
		return fmt.Errorf("%w: password type %s does not match policy", ErrUsernameToken, passwordType)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: password mismatch", ErrUsernameToken)
	}
	return nil
}
