package message

import (
	"time"

	"github.com/beevik/etree"
)

// ExtractHeader reads the routing fields of an envelope. For a signal that
// is paired with a user message, the party and collaboration fields come
// from the user message and the identifiers from the first block.
func ExtractHeader(env *Envelope) (*Header, error) {
	switch env.Ebms {
	case EbmsV3:
		return extractV3(env)
	case EbmsV2:
		return extractV2(env)
	}
	return nil, NewProtocolError(EbmsInvalidHeader, "no ebMS header block")
}

func extractV3(env *Envelope) (*Header, error) {
	messaging := env.Messaging()
	h := &Header{}

	var info *etree.Element
	for _, block := range messaging.ChildElements() {
		if block.NamespaceURI() != NsEbMS {
			continue
		}
		if mi := Child(block, NsEbMS, "MessageInfo"); mi != nil {
			info = mi
			break
		}
	}
	if info != nil {
		h.MessageID = PathText(info, NsEbMS, "MessageId")
		h.RefToMessageID = PathText(info, NsEbMS, "RefToMessageId")
		if ts := PathText(info, NsEbMS, "Timestamp"); ts != "" {
			t, err := parseTimestamp(ts)
			if err != nil {
				return nil, NewProtocolError(EbmsValueNotRecognized, "invalid Timestamp %q", ts)
			}
			h.Timestamp = t
		}
	}

	user := Child(messaging, NsEbMS, "UserMessage")
	if user == nil {
		return h, nil
	}

	h.From = extractParty(Path(user, NsEbMS, "PartyInfo", "From"), NsEbMS)
	h.To = extractParty(Path(user, NsEbMS, "PartyInfo", "To"), NsEbMS)

	collab := Child(user, NsEbMS, "CollaborationInfo")
	h.AgreementRef = PathText(collab, NsEbMS, "AgreementRef")
	if svc := Child(collab, NsEbMS, "Service"); svc != nil {
		h.Service = trimText(svc)
		h.ServiceType = svc.SelectAttrValue("type", "")
	}
	h.Action = PathText(collab, NsEbMS, "Action")
	h.ConversationID = PathText(collab, NsEbMS, "ConversationId")

	h.Properties = extractProperties(Child(user, NsEbMS, "MessageProperties"))
	for _, pi := range Children(Child(user, NsEbMS, "PayloadInfo"), NsEbMS, "PartInfo") {
		h.Parts = append(h.Parts, PartInfo{
			Href:       pi.SelectAttrValue("href", ""),
			Properties: extractProperties(Child(pi, NsEbMS, "PartProperties")),
		})
	}
	return h, nil
}

func extractV2(env *Envelope) (*Header, error) {
	mh := Child(env.Header(), NsEbMSv2, "MessageHeader")
	if mh == nil {
		return nil, NewProtocolError(EbmsInvalidHeader, "missing MessageHeader")
	}
	h := &Header{
		MessageID:      PathText(mh, NsEbMSv2, "MessageData", "MessageId"),
		RefToMessageID: PathText(mh, NsEbMSv2, "MessageData", "RefToMessageId"),
		AgreementRef:   PathText(mh, NsEbMSv2, "CPAId"),
		ConversationID: PathText(mh, NsEbMSv2, "ConversationId"),
		Action:         PathText(mh, NsEbMSv2, "Action"),
		From:           extractParty(Child(mh, NsEbMSv2, "From"), NsEbMSv2),
		To:             extractParty(Child(mh, NsEbMSv2, "To"), NsEbMSv2),
	}
	if svc := Child(mh, NsEbMSv2, "Service"); svc != nil {
		h.Service = trimText(svc)
		h.ServiceType = svc.SelectAttrValue("type", "")
	}
	if ts := PathText(mh, NsEbMSv2, "MessageData", "Timestamp"); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			h.Timestamp = t
		}
	}
	return h, nil
}

func extractParty(party *etree.Element, ns string) Party {
	if party == nil {
		return Party{}
	}
	p := Party{Role: PathText(party, ns, "Role")}
	if id := Child(party, ns, "PartyId"); id != nil {
		p.PartyID = trimText(id)
		p.PartyIDType = id.SelectAttrValue("type", "")
	}
	return p
}

func extractProperties(parent *etree.Element) []Property {
	var props []Property
	for _, p := range Children(parent, NsEbMS, "Property") {
		props = append(props, Property{Name: p.SelectAttrValue("name", ""), Value: trimText(p)})
	}
	return props
}

// SignalError is one eb:Error entry of an error signal.
type SignalError struct {
	Code                string
	Severity            string
	ShortDescription    string
	Description         string
	RefToMessageInError string
}

// Signal is the correlation data carried by a receipt or error signal.
type Signal struct {
	MessageID      string
	RefToMessageID string
	Receipt        bool
	Errors         []SignalError
}

// ExtractSignal reads the SignalMessage block of an ebMS3 envelope, or the
// Acknowledgment/ErrorList blocks of an ebMS2 envelope.
func ExtractSignal(env *Envelope) (*Signal, error) {
	switch env.Ebms {
	case EbmsV3:
		sm := env.SignalMessage()
		if sm == nil {
			return nil, NewProtocolError(EbmsInvalidHeader, "missing SignalMessage")
		}
		s := &Signal{
			MessageID:      PathText(sm, NsEbMS, "MessageInfo", "MessageId"),
			RefToMessageID: PathText(sm, NsEbMS, "MessageInfo", "RefToMessageId"),
			Receipt:        Child(sm, NsEbMS, "Receipt") != nil,
		}
		for _, e := range Children(sm, NsEbMS, "Error") {
			se := SignalError{
				Code:                e.SelectAttrValue("errorCode", ""),
				Severity:            e.SelectAttrValue("severity", ""),
				ShortDescription:    e.SelectAttrValue("shortDescription", ""),
				Description:         PathText(e, NsEbMS, "Description"),
				RefToMessageInError: e.SelectAttrValue("refToMessageInError", ""),
			}
			if se.RefToMessageInError != "" && s.RefToMessageID == "" {
				s.RefToMessageID = se.RefToMessageInError
			}
			s.Errors = append(s.Errors, se)
		}
		return s, nil
	case EbmsV2:
		header := env.Header()
		s := &Signal{
			MessageID:      PathText(header, NsEbMSv2, "MessageHeader", "MessageData", "MessageId"),
			RefToMessageID: PathText(header, NsEbMSv2, "MessageHeader", "MessageData", "RefToMessageId"),
			Receipt:        Child(header, NsEbMSv2, "Acknowledgment") != nil,
		}
		for _, e := range Children(Child(header, NsEbMSv2, "ErrorList"), NsEbMSv2, "Error") {
			s.Errors = append(s.Errors, SignalError{
				Code:        e.SelectAttrValue("errorCode", ""),
				Severity:    e.SelectAttrValue("severity", ""),
				Description: PathText(e, NsEbMSv2, "Description"),
			})
		}
		return s, nil
	}
	return nil, NewProtocolError(EbmsInvalidHeader, "no ebMS header block")
}

// ValidateMessaging checks the UserMessage block of an ebMS3 envelope
// against the structural rules of the ebMS3 header schema.
func ValidateMessaging(env *Envelope) error {
	if env.Ebms == EbmsV2 {
		if Child(env.Header(), NsEbMSv2, "MessageHeader") == nil {
			return NewProtocolError(EbmsInvalidHeader, "missing MessageHeader")
		}
		return nil
	}

	messaging := env.Messaging()
	if messaging == nil {
		return NewProtocolError(EbmsInvalidHeader, "missing Messaging header")
	}
	users := Children(messaging, NsEbMS, "UserMessage")
	if len(users) == 0 {
		return NewProtocolError(EbmsInvalidHeader, "missing UserMessage")
	}
	for _, user := range users {
		if err := validateUserMessage(user); err != nil {
			return err
		}
	}
	return nil
}

func validateUserMessage(user *etree.Element) error {
	info := Child(user, NsEbMS, "MessageInfo")
	if info == nil {
		return NewProtocolError(EbmsInvalidHeader, "missing MessageInfo")
	}
	ts := PathText(info, NsEbMS, "Timestamp")
	if ts == "" {
		return NewProtocolError(EbmsInvalidHeader, "missing MessageInfo/Timestamp")
	}
	if _, err := parseTimestamp(ts); err != nil {
		return NewProtocolError(EbmsValueNotRecognized, "invalid Timestamp %q", ts)
	}
	if PathText(info, NsEbMS, "MessageId") == "" {
		return NewProtocolError(EbmsInvalidHeader, "missing MessageInfo/MessageId")
	}

	partyInfo := Child(user, NsEbMS, "PartyInfo")
	if partyInfo == nil {
		return NewProtocolError(EbmsInvalidHeader, "missing PartyInfo")
	}
	for _, side := range []string{"From", "To"} {
		party := Child(partyInfo, NsEbMS, side)
		if party == nil {
			return NewProtocolError(EbmsInvalidHeader, "missing PartyInfo/%s", side)
		}
		ids := Children(party, NsEbMS, "PartyId")
		if len(ids) == 0 {
			return NewProtocolError(EbmsInvalidHeader, "missing PartyInfo/%s/PartyId", side)
		}
		for _, id := range ids {
			if trimText(id) == "" {
				return NewProtocolError(EbmsValueNotRecognized, "empty PartyInfo/%s/PartyId", side)
			}
		}
		if PathText(party, NsEbMS, "Role") == "" {
			return NewProtocolError(EbmsInvalidHeader, "missing PartyInfo/%s/Role", side)
		}
	}

	collab := Child(user, NsEbMS, "CollaborationInfo")
	if collab == nil {
		return NewProtocolError(EbmsInvalidHeader, "missing CollaborationInfo")
	}
	for _, field := range []string{"Service", "Action", "ConversationId"} {
		if PathText(collab, NsEbMS, field) == "" {
			return NewProtocolError(EbmsInvalidHeader, "missing CollaborationInfo/%s", field)
		}
	}

	for _, prop := range Children(Child(user, NsEbMS, "MessageProperties"), NsEbMS, "Property") {
		if prop.SelectAttr("name") == nil {
			return NewProtocolError(EbmsInvalidHeader, "MessageProperties/Property without name")
		}
	}
	for _, pi := range Children(Child(user, NsEbMS, "PayloadInfo"), NsEbMS, "PartInfo") {
		for _, prop := range Children(Child(pi, NsEbMS, "PartProperties"), NsEbMS, "Property") {
			if prop.SelectAttr("name") == nil {
				return NewProtocolError(EbmsInvalidHeader, "PartProperties/Property without name")
			}
		}
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	_, err := time.Parse(time.RFC3339Nano, s)
	return time.Time{}, err
}
