package message

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// DefaultMessageIDDomain is appended to generated message identifiers.
const DefaultMessageIDDomain = "jentrata.local"

// timestampLayout is the xsd:dateTime form written into MessageInfo.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// NewMessageID returns a globally unique message identifier of the form
// uuid@domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = DefaultMessageIDDomain
	}
	return uuid.New().String() + "@" + domain
}

// UserMessageBuilder helps construct ebMS3 user message envelopes.
type UserMessageBuilder struct {
	header   Header
	soap     SOAPVersion
	payloads []PayloadPart
	errors   []error
}

// Option represents a functional option for UserMessageBuilder.
type Option func(*UserMessageBuilder)

// NewUserMessage creates a builder with a fresh message id, timestamp and
// conversation id, then applies opts.
func NewUserMessage(opts ...Option) *UserMessageBuilder {
	b := &UserMessageBuilder{
		header: Header{
			MessageID:      NewMessageID(""),
			Timestamp:      time.Now().UTC(),
			ConversationID: uuid.New().String(),
			From:           Party{Role: NsS12Role},
			To:             Party{Role: NsS12Role},
		},
		soap: SOAP12,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	return func(b *UserMessageBuilder) {
		if id != "" {
			b.header.MessageID = id
		}
	}
}

// WithTimestamp overrides the message timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(b *UserMessageBuilder) {
		b.header.Timestamp = ts.UTC()
	}
}

// WithFrom sets the sender party.
func WithFrom(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.header.From.PartyID = partyID
		b.header.From.PartyIDType = partyType
	}
}

// WithTo sets the receiver party.
func WithTo(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.header.To.PartyID = partyID
		b.header.To.PartyIDType = partyType
	}
}

// WithFromRole sets the sender role.
func WithFromRole(role string) Option {
	return func(b *UserMessageBuilder) {
		if role != "" {
			b.header.From.Role = role
		}
	}
}

// WithToRole sets the receiver role.
func WithToRole(role string) Option {
	return func(b *UserMessageBuilder) {
		if role != "" {
			b.header.To.Role = role
		}
	}
}

// WithService sets the service and its optional type.
func WithService(service, serviceType string) Option {
	return func(b *UserMessageBuilder) {
		b.header.Service = service
		b.header.ServiceType = serviceType
	}
}

// WithAction sets the action.
func WithAction(action string) Option {
	return func(b *UserMessageBuilder) {
		b.header.Action = action
	}
}

// WithConversationID sets a custom conversation id.
func WithConversationID(id string) Option {
	return func(b *UserMessageBuilder) {
		if id != "" {
			b.header.ConversationID = id
		}
	}
}

// WithRefToMessageID sets RefToMessageId for responses.
func WithRefToMessageID(id string) Option {
	return func(b *UserMessageBuilder) {
		b.header.RefToMessageID = id
	}
}

// WithAgreementRef sets the agreement reference.
func WithAgreementRef(ref string) Option {
	return func(b *UserMessageBuilder) {
		b.header.AgreementRef = ref
	}
}

// WithMessageProperty adds a message property.
func WithMessageProperty(name, value string) Option {
	return func(b *UserMessageBuilder) {
		b.header.Properties = append(b.header.Properties, Property{Name: name, Value: value})
	}
}

// WithSOAPVersion selects the envelope version. SOAP 1.2 is the default.
func WithSOAPVersion(v SOAPVersion) Option {
	return func(b *UserMessageBuilder) {
		b.soap = v
	}
}

// AddPayload adds a MIME attachment referenced from PayloadInfo. A missing
// content id is generated.
func (b *UserMessageBuilder) AddPayload(part PayloadPart) *UserMessageBuilder {
	if part.ContentID == "" {
		part.ContentID = uuid.New().String() + "@" + DefaultMessageIDDomain
	}
	part.ContentID = NormalizeContentID(part.ContentID)
	if part.ContentType == "" {
		b.errors = append(b.errors, fmt.Errorf("payload %s has no content type", part.ContentID))
	}
	b.payloads = append(b.payloads, part)
	return b
}

// Build validates the header and returns it with the payload parts.
func (b *UserMessageBuilder) Build() (*Header, []PayloadPart, error) {
	if len(b.errors) > 0 {
		return nil, nil, b.errors[0]
	}
	if b.header.From.PartyID == "" {
		return nil, nil, fmt.Errorf("sender party ID is required")
	}
	if b.header.To.PartyID == "" {
		return nil, nil, fmt.Errorf("receiver party ID is required")
	}
	if b.header.Service == "" {
		return nil, nil, fmt.Errorf("service is required")
	}
	if b.header.Action == "" {
		return nil, nil, fmt.Errorf("action is required")
	}

	h := b.header
	h.Parts = make([]PartInfo, 0, len(b.payloads))
	for _, p := range b.payloads {
		h.Parts = append(h.Parts, PartInfo{Href: "cid:" + p.ContentID, Properties: p.Properties})
	}
	return &h, b.payloads, nil
}

// BuildEnvelope renders the user message into a SOAP envelope.
func (b *UserMessageBuilder) BuildEnvelope() (*Envelope, []PayloadPart, error) {
	h, payloads, err := b.Build()
	if err != nil {
		return nil, nil, err
	}

	doc, header := newEnvelopeDoc(b.soap)
	messaging := header.CreateElement("eb:Messaging")
	user := messaging.CreateElement("eb:UserMessage")

	writeMessageInfo(user, h.Timestamp, h.MessageID, h.RefToMessageID)

	partyInfo := user.CreateElement("eb:PartyInfo")
	writeParty(partyInfo.CreateElement("eb:From"), h.From)
	writeParty(partyInfo.CreateElement("eb:To"), h.To)

	collab := user.CreateElement("eb:CollaborationInfo")
	if h.AgreementRef != "" {
		collab.CreateElement("eb:AgreementRef").SetText(h.AgreementRef)
	}
	svc := collab.CreateElement("eb:Service")
	if h.ServiceType != "" {
		svc.CreateAttr("type", h.ServiceType)
	}
	svc.SetText(h.Service)
	collab.CreateElement("eb:Action").SetText(h.Action)
	collab.CreateElement("eb:ConversationId").SetText(h.ConversationID)

	if len(h.Properties) > 0 {
		writeProperties(user.CreateElement("eb:MessageProperties"), h.Properties)
	}

	if len(h.Parts) > 0 {
		payloadInfo := user.CreateElement("eb:PayloadInfo")
		for _, part := range h.Parts {
			pi := payloadInfo.CreateElement("eb:PartInfo")
			pi.CreateAttr("href", part.Href)
			if len(part.Properties) > 0 {
				writeProperties(pi.CreateElement("eb:PartProperties"), part.Properties)
			}
		}
	}

	doc.Root().CreateElement("env:Body")
	return &Envelope{Doc: doc, SOAP: b.soap, Ebms: EbmsV3}, payloads, nil
}

func newEnvelopeDoc(v SOAPVersion) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("env:Envelope")
	env.CreateAttr("xmlns:env", v.Namespace())
	env.CreateAttr("xmlns:eb", NsEbMS)

	return doc, env.CreateElement("env:Header")
}

func writeMessageInfo(parent *etree.Element, ts time.Time, id, ref string) {
	info := parent.CreateElement("eb:MessageInfo")
	info.CreateElement("eb:Timestamp").SetText(ts.UTC().Format(timestampLayout))
	info.CreateElement("eb:MessageId").SetText(id)
	if ref != "" {
		info.CreateElement("eb:RefToMessageId").SetText(ref)
	}
}

func writeParty(parent *etree.Element, p Party) {
	id := parent.CreateElement("eb:PartyId")
	if p.PartyIDType != "" {
		id.CreateAttr("type", p.PartyIDType)
	}
	id.SetText(p.PartyID)
	parent.CreateElement("eb:Role").SetText(p.Role)
}

func writeProperties(parent *etree.Element, props []Property) {
	for _, prop := range props {
		el := parent.CreateElement("eb:Property")
		el.CreateAttr("name", prop.Name)
		el.SetText(prop.Value)
	}
}
