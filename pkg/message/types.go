// Package message provides ebMS3 message classification, header extraction and envelope building.
package message

import (
	"encoding/json"
	"time"
)

// MessageType is the kind of an ebMS message as seen on the wire.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeUserMessage
	TypeSignalMessage
	TypeSignalMessageError
	TypeSignalMessageWithUserMessage
)

var messageTypeNames = map[MessageType]string{
	TypeUnknown:                      "Unknown",
	TypeUserMessage:                  "UserMessage",
	TypeSignalMessage:                "SignalMessage",
	TypeSignalMessageError:           "SignalMessageError",
	TypeSignalMessageWithUserMessage: "SignalMessageWithUserMessage",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseMessageType maps a type name back to its MessageType. Unrecognised
// names yield TypeUnknown.
func ParseMessageType(name string) MessageType {
	for t, n := range messageTypeNames {
		if n == name {
			return t
		}
	}
	return TypeUnknown
}

// IsSignal reports whether the type carries a signal (receipt or error).
func (t MessageType) IsSignal() bool {
	switch t {
	case TypeSignalMessage, TypeSignalMessageError, TypeSignalMessageWithUserMessage:
		return true
	}
	return false
}

// MarshalJSON encodes the type by name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*t = ParseMessageType(name)
	return nil
}

// Classification is the outcome of Classify.
type Classification struct {
	Type        MessageType
	MessageID   string
	SOAPVersion SOAPVersion
	EbmsVersion EbmsVersion
}

// Header holds the routing fields extracted from the ebMS header.
type Header struct {
	MessageID      string
	RefToMessageID string
	Timestamp      time.Time
	ConversationID string
	AgreementRef   string
	Service        string
	ServiceType    string
	Action         string
	From           Party
	To             Party
	Properties     []Property
	Parts          []PartInfo
}

// Party identifies one side of an exchange.
type Party struct {
	PartyID     string
	PartyIDType string
	Role        string
}

// Property is an ordered name/value pair.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartInfo describes one payload referenced from the PayloadInfo block.
type PartInfo struct {
	Href       string
	Properties []Property
}

// ContentID returns the href without the cid: prefix. The SOAP body part
// has an empty href and therefore an empty content id.
func (p PartInfo) ContentID() string {
	return NormalizeContentID(p.Href)
}

// Property returns the value of the named part property.
func (p PartInfo) Property(name string) string {
	return PropertyValue(p.Properties, name)
}

// PropertyValue returns the first value with the given name.
func PropertyValue(props []Property, name string) string {
	for _, prop := range props {
		if prop.Name == name {
			return prop.Value
		}
	}
	return ""
}

// PayloadPart is one MIME part of an outbound user message.
type PayloadPart struct {
	ContentID   string
	ContentType string
	Headers     map[string]string
	Properties  []Property
	Data        []byte
}
