package message

import (
	"github.com/beevik/etree"
)

// Classify determines the message type and identifier of a raw envelope.
//
// Any input that parses as XML is classified; documents that are not an
// ebMS envelope yield TypeUnknown with a nil error. Only input that is not
// XML at all returns an error.
func Classify(raw []byte) (Classification, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return Classification{Type: TypeUnknown}, err
	}
	env, err := FromDocument(doc)
	if err != nil {
		return Classification{Type: TypeUnknown}, nil
	}
	return ClassifyEnvelope(env), nil
}

// ClassifyEnvelope classifies an already parsed envelope.
func ClassifyEnvelope(env *Envelope) Classification {
	c := Classification{Type: TypeUnknown, SOAPVersion: env.SOAP, EbmsVersion: env.Ebms}
	switch env.Ebms {
	case EbmsV3:
		classifyV3(env, &c)
	case EbmsV2:
		classifyV2(env, &c)
	}
	return c
}

func classifyV3(env *Envelope, c *Classification) {
	messaging := env.Messaging()
	user := Child(messaging, NsEbMS, "UserMessage")
	signal := Child(messaging, NsEbMS, "SignalMessage")

	switch {
	case user != nil && signal != nil:
		c.Type = TypeSignalMessageWithUserMessage
	case user != nil:
		c.Type = TypeUserMessage
	case signal != nil:
		switch {
		case Child(signal, NsEbMS, "Error") != nil:
			c.Type = TypeSignalMessageError
		case Child(signal, NsEbMS, "Receipt") != nil, Child(signal, NsEbMS, "PullRequest") != nil:
			c.Type = TypeSignalMessage
		}
	}

	// The first MessageInfo in document order carries the identifier.
	for _, block := range messaging.ChildElements() {
		if block.NamespaceURI() != NsEbMS {
			continue
		}
		if id := PathText(block, NsEbMS, "MessageInfo", "MessageId"); id != "" {
			c.MessageID = id
			break
		}
	}
}

func classifyV2(env *Envelope, c *Classification) {
	header := env.Header()
	msgHeader := Child(header, NsEbMSv2, "MessageHeader")
	if msgHeader == nil {
		return
	}
	switch {
	case Child(header, NsEbMSv2, "ErrorList") != nil:
		c.Type = TypeSignalMessageError
	case Child(header, NsEbMSv2, "Acknowledgment") != nil:
		c.Type = TypeSignalMessage
	default:
		c.Type = TypeUserMessage
	}
	c.MessageID = PathText(msgHeader, NsEbMSv2, "MessageData", "MessageId")
}
