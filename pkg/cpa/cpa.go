// Package cpa implements partner agreement (CPA) configuration for the gateway

package cpa

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReplyPattern selects how receipts are returned to the sender.
type ReplyPattern string

const (
	// ReplyCallback pushes the receipt asynchronously and answers the
	// inbound request with an empty 204.
	ReplyCallback ReplyPattern = "Callback"
	// ReplyResponse returns the receipt in the HTTP response body.
	ReplyResponse ReplyPattern = "Response"
)

// UnknownCPAID marks an exchange with no resolvable agreement.
const UnknownCPAID = "UNKNOWN"

// PartnerAgreement is one negotiated relationship between two parties.
type PartnerAgreement struct {
	CPAID                     string              `json:"cpaId"`
	Active                    bool                `json:"active"`
	Initiator                 Party               `json:"initiator"`
	Responder                 Party               `json:"responder"`
	AgreementRef              string              `json:"agreementRef,omitempty"`
	Security                  *Security           `json:"security,omitempty"`
	ReceptionAwareness        *ReceptionAwareness `json:"receptionAwareness,omitempty"`
	PayloadService            *PayloadService     `json:"payloadService,omitempty"`
	Services                  []Service           `json:"services,omitempty"`
	TransportReceiverEndpoint string              `json:"transportReceiverEndpoint,omitempty"`
}

// Party describes the initiator or responder of an agreement.
type Party struct {
	PartyID       string         `json:"partyId,omitempty"`
	PartyIDType   string         `json:"partyIdType,omitempty"`
	Role          string         `json:"role,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
}

// Authorization is a credential a party presents to pull messages.
type Authorization struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Security is the security policy of an agreement.
type Security struct {
	SendReceipt               bool           `json:"sendReceipt"`
	SendReceiptReplyPattern   ReplyPattern   `json:"sendReceiptReplyPattern,omitempty"`
	SendReceiptNonRepudiation bool           `json:"sendReceiptNonRepudiation"`
	SecurityToken             *UsernameToken `json:"securityToken,omitempty"`
	Signature                 *Signature     `json:"signature,omitempty"`
}

// UsernameToken is a WS-Security username token requirement.
type UsernameToken struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Digest   bool   `json:"digest"`
	Nonce    bool   `json:"nonce"`
	Created  bool   `json:"created"`
}

// Signature configures XML signatures for an agreement.
type Signature struct {
	// KeyStoreAlias names the local signing key and certificate.
	KeyStoreAlias string `json:"keyStoreAlias,omitempty"`
	KeyStorePass  string `json:"keyStorePass,omitempty"`
	// PartnerCertAlias names the partner certificate that inbound
	// signatures must verify against. Defaults to KeyStoreAlias.
	PartnerCertAlias    string `json:"partnerCertAlias,omitempty"`
	Encrypt             bool   `json:"encrypt"`
	InclusiveNamespaces bool   `json:"inclusiveNamespaces"`
	DigestAlgorithm     string `json:"digestAlgorithm,omitempty"`
	// TokenReference selects how the signing certificate is referenced:
	// BinarySecurityToken (default), KeyIdentifier, IssuerSerial or
	// Thumbprint.
	TokenReference string `json:"tokenReference,omitempty"`
}

// TrustAlias returns the keystore alias of the partner certificate.
func (s *Signature) TrustAlias() string {
	if s.PartnerCertAlias != "" {
		return s.PartnerCertAlias
	}
	return s.KeyStoreAlias
}

// ReceptionAwareness holds the reliability parameters. A present block
// enables the corresponding feature.
type ReceptionAwareness struct {
	Retry              map[string]any `json:"retry,omitempty"`
	DuplicateDetection map[string]any `json:"duplicateDetection,omitempty"`
}

// DuplicateDetectionEnabled reports whether redeliveries are detected.
func (r *ReceptionAwareness) DuplicateDetectionEnabled() bool {
	return r != nil && r.DuplicateDetection != nil
}

// RetryEnabled reports whether retry parameters are configured.
func (r *ReceptionAwareness) RetryEnabled() bool {
	return r != nil && r.Retry != nil
}

// CheckWindow returns the raw duplicate check window, e.g. "7D".
func (r *ReceptionAwareness) CheckWindow() string {
	if r == nil {
		return ""
	}
	return paramString(r.DuplicateDetection, "checkwindow")
}

// MaxRetries returns the retry count, or 0 when unset.
func (r *ReceptionAwareness) MaxRetries() int {
	if r == nil {
		return 0
	}
	n, _ := strconv.Atoi(paramString(r.Retry, "maxretries"))
	return n
}

// RetryPeriod returns the retry period. Bare numbers are milliseconds.
func (r *ReceptionAwareness) RetryPeriod() time.Duration {
	if r == nil {
		return 0
	}
	raw := paramString(r.Retry, "period")
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, _ := time.ParseDuration(raw)
	return d
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// PayloadService holds payload defaults applied on the outbound path.
type PayloadService struct {
	PayloadID       string `json:"payloadId,omitempty"`
	ContentType     string `json:"contentType,omitempty"`
	CompressionType string `json:"compressionType,omitempty"`
}

// Service lists the actions an agreement accepts for one service.
type Service struct {
	Service string   `json:"service"`
	Actions []Action `json:"actions,omitempty"`
}

// Action is one action of a service with its validation predicates.
type Action struct {
	Action      string       `json:"action"`
	Validations []Validation `json:"validations,omitempty"`
}

// ReplyPattern returns the receipt reply pattern, Callback when unset.
func (a *PartnerAgreement) ReplyPattern() ReplyPattern {
	if a.Security == nil || a.Security.SendReceiptReplyPattern == "" {
		return ReplyCallback
	}
	return a.Security.SendReceiptReplyPattern
}

// HasSecurityToken reports whether a username token is required.
func (a *PartnerAgreement) HasSecurityToken() bool {
	return a.Security != nil && a.Security.SecurityToken != nil
}

// SignatureConfig returns the signature configuration, or nil.
func (a *PartnerAgreement) SignatureConfig() *Signature {
	if a.Security == nil {
		return nil
	}
	return a.Security.Signature
}

// NonRepudiation reports whether non-repudiation receipts are required.
func (a *PartnerAgreement) NonRepudiation() bool {
	return a.Security != nil && a.Security.SendReceiptNonRepudiation
}

// Action returns the named action of the named service.
func (a *PartnerAgreement) Action(service, action string) (*Action, bool) {
	for i := range a.Services {
		if a.Services[i].Service != service {
			continue
		}
		for j := range a.Services[i].Actions {
			if a.Services[i].Actions[j].Action == action {
				return &a.Services[i].Actions[j], true
			}
		}
	}
	return nil, false
}

// HasService reports whether the agreement carries the service/action pair.
func (a *PartnerAgreement) HasService(service, action string) bool {
	_, ok := a.Action(service, action)
	return ok
}

// IsAllowedPartner reports whether partyID is one of the agreement's
// parties. An agreement that names no parties allows any sender.
func (a *PartnerAgreement) IsAllowedPartner(partyID string) bool {
	if a.Initiator.PartyID == "" && a.Responder.PartyID == "" {
		return true
	}
	return partyID == a.Initiator.PartyID || partyID == a.Responder.PartyID
}

// Validate checks the agreement for internal consistency and compiles its
// validation predicates.
func (a *PartnerAgreement) Validate() error {
	if a.CPAID == "" {
		return fmt.Errorf("cpaId is required")
	}
	if a.CPAID == UnknownCPAID {
		return fmt.Errorf("cpaId %q is reserved", UnknownCPAID)
	}
	if a.Security != nil {
		switch a.Security.SendReceiptReplyPattern {
		case "", ReplyCallback, ReplyResponse:
		default:
			return fmt.Errorf("invalid sendReceiptReplyPattern %q", a.Security.SendReceiptReplyPattern)
		}
		if a.Security.SendReceiptNonRepudiation && a.Security.Signature == nil {
			return fmt.Errorf("sendReceiptNonRepudiation requires a signature configuration")
		}
	}
	for i := range a.Services {
		for j := range a.Services[i].Actions {
			for k := range a.Services[i].Actions[j].Validations {
				v := &a.Services[i].Actions[j].Validations[k]
				if err := v.compile(); err != nil {
					return fmt.Errorf("service %q action %q: %w", a.Services[i].Service, a.Services[i].Actions[j].Action, err)
				}
			}
		}
	}
	return nil
}
