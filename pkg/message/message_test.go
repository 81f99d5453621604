package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userMessageXML = `<?xml version="1.0" encoding="UTF-8"?>
<S12:Envelope xmlns:S12="http://www.w3.org/2003/05/soap-envelope"
              xmlns:eb3="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
  <S12:Header>
    <eb3:Messaging S12:mustUnderstand="true">
      <eb3:UserMessage>
        <eb3:MessageInfo>
          <eb3:Timestamp>2024-03-01T10:00:00.000Z</eb3:Timestamp>
          <eb3:MessageId>orders-123@buyer.example.com</eb3:MessageId>
        </eb3:MessageInfo>
        <eb3:PartyInfo>
          <eb3:From>
            <eb3:PartyId type="urn:oasis:names:tc:ebcore:partyid-type:unregistered">buyer</eb3:PartyId>
            <eb3:Role>http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/initiator</eb3:Role>
          </eb3:From>
          <eb3:To>
            <eb3:PartyId>seller</eb3:PartyId>
            <eb3:Role>http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/responder</eb3:Role>
          </eb3:To>
        </eb3:PartyInfo>
        <eb3:CollaborationInfo>
          <eb3:AgreementRef>http://example.com/agreements/orders</eb3:AgreementRef>
          <eb3:Service type="urn:example">OrderService</eb3:Service>
          <eb3:Action>Submit</eb3:Action>
          <eb3:ConversationId>conv-1</eb3:ConversationId>
        </eb3:CollaborationInfo>
        <eb3:MessageProperties>
          <eb3:Property name="originalSender">urn:buyer</eb3:Property>
        </eb3:MessageProperties>
        <eb3:PayloadInfo>
          <eb3:PartInfo/>
          <eb3:PartInfo href="cid:invoice@buyer.example.com">
            <eb3:PartProperties>
              <eb3:Property name="MimeType">application/xml</eb3:Property>
              <eb3:Property name="CompressionType">application/gzip</eb3:Property>
            </eb3:PartProperties>
          </eb3:PartInfo>
        </eb3:PayloadInfo>
      </eb3:UserMessage>
    </eb3:Messaging>
  </S12:Header>
  <S12:Body>
    <order xmlns="urn:example:order"><id>42</id></order>
  </S12:Body>
</S12:Envelope>`

const receiptXML = `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope">
  <env:Header>
    <eb:Messaging xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
      <eb:SignalMessage>
        <eb:MessageInfo>
          <eb:Timestamp>2024-03-01T10:00:01Z</eb:Timestamp>
          <eb:MessageId>receipt-1@seller</eb:MessageId>
          <eb:RefToMessageId>orders-123@buyer.example.com</eb:RefToMessageId>
        </eb:MessageInfo>
        <eb:Receipt/>
      </eb:SignalMessage>
    </eb:Messaging>
  </env:Header>
  <env:Body/>
</env:Envelope>`

const errorSignalXML = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Header>
    <eb:Messaging xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
      <eb:SignalMessage>
        <eb:MessageInfo>
          <eb:Timestamp>2024-03-01T10:00:01Z</eb:Timestamp>
          <eb:MessageId>error-1@seller</eb:MessageId>
        </eb:MessageInfo>
        <eb:Error errorCode="EBMS:0101" severity="failure" shortDescription="FailedAuthentication" refToMessageInError="orders-123@buyer.example.com">
          <eb:Description xml:lang="en">bad signature</eb:Description>
        </eb:Error>
      </eb:SignalMessage>
    </eb:Messaging>
  </soapenv:Header>
  <soapenv:Body/>
</soapenv:Envelope>`

const ebmsV2XML = `<SOAP:Envelope xmlns:SOAP="http://schemas.xmlsoap.org/soap/envelope/"
    xmlns:eb="http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd">
  <SOAP:Header>
    <eb:MessageHeader>
      <eb:From><eb:PartyId>buyer</eb:PartyId></eb:From>
      <eb:To><eb:PartyId>seller</eb:PartyId></eb:To>
      <eb:CPAId>cpa-v2</eb:CPAId>
      <eb:ConversationId>c2</eb:ConversationId>
      <eb:Service>OrderService</eb:Service>
      <eb:Action>Submit</eb:Action>
      <eb:MessageData>
        <eb:MessageId>v2-message@buyer</eb:MessageId>
        <eb:Timestamp>2024-03-01T10:00:00Z</eb:Timestamp>
      </eb:MessageData>
    </eb:MessageHeader>
  </SOAP:Header>
  <SOAP:Body/>
</SOAP:Envelope>`

func TestClassify(t *testing.T) {
	signalWithUser := strings.Replace(userMessageXML, "<eb3:UserMessage>",
		`<eb3:SignalMessage><eb3:MessageInfo><eb3:Timestamp>2024-03-01T10:00:00Z</eb3:Timestamp><eb3:MessageId>pull-1</eb3:MessageId></eb3:MessageInfo><eb3:PullRequest mpc="default"/></eb3:SignalMessage><eb3:UserMessage>`, 1)

	tests := []struct {
		name string
		raw  string
		typ  MessageType
		id   string
		soap SOAPVersion
		ebms EbmsVersion
	}{
		{"user message", userMessageXML, TypeUserMessage, "orders-123@buyer.example.com", SOAP12, EbmsV3},
		{"receipt", receiptXML, TypeSignalMessage, "receipt-1@seller", SOAP12, EbmsV3},
		{"error signal", errorSignalXML, TypeSignalMessageError, "error-1@seller", SOAP11, EbmsV3},
		{"signal with user message", signalWithUser, TypeSignalMessageWithUserMessage, "pull-1", SOAP12, EbmsV3},
		{"ebms v2 message", ebmsV2XML, TypeUserMessage, "v2-message@buyer", SOAP11, EbmsV2},
		{"ebms v2 acknowledgment", strings.Replace(ebmsV2XML, "</SOAP:Header>", "<eb:Acknowledgment/></SOAP:Header>", 1), TypeSignalMessage, "v2-message@buyer", SOAP11, EbmsV2},
		{"ebms v2 error list", strings.Replace(ebmsV2XML, "</SOAP:Header>", "<eb:ErrorList/></SOAP:Header>", 1), TypeSignalMessageError, "v2-message@buyer", SOAP11, EbmsV2},
		{"not an envelope", `<foo/>`, TypeUnknown, "", "", ""},
		{"envelope without ebms header", `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Header/><env:Body/></env:Envelope>`, TypeUnknown, "", SOAP12, ""},
		{"empty signal", strings.Replace(receiptXML, "<eb:Receipt/>", "", 1), TypeUnknown, "receipt-1@seller", SOAP12, EbmsV3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Classify([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.typ, c.Type)
			assert.Equal(t, tc.id, c.MessageID)
			assert.Equal(t, tc.soap, c.SOAPVersion)
			assert.Equal(t, tc.ebms, c.EbmsVersion)
		})
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	first, err := Classify([]byte(userMessageXML))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Classify([]byte(userMessageXML))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestClassify_NotXML(t *testing.T) {
	c, err := Classify([]byte("this is not xml <"))
	assert.Error(t, err)
	assert.Equal(t, TypeUnknown, c.Type)
}

func TestClassify_MissingMessageID(t *testing.T) {
	raw := strings.Replace(userMessageXML, "<eb3:MessageId>orders-123@buyer.example.com</eb3:MessageId>", "", 1)
	c, err := Classify([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeUserMessage, c.Type)
	assert.Empty(t, c.MessageID)
}

func TestExtractHeader_UserMessage(t *testing.T) {
	env, err := ParseEnvelope([]byte(userMessageXML))
	require.NoError(t, err)

	h, err := ExtractHeader(env)
	require.NoError(t, err)

	assert.Equal(t, "orders-123@buyer.example.com", h.MessageID)
	assert.Equal(t, "buyer", h.From.PartyID)
	assert.Equal(t, "urn:oasis:names:tc:ebcore:partyid-type:unregistered", h.From.PartyIDType)
	assert.Equal(t, "seller", h.To.PartyID)
	assert.Equal(t, "OrderService", h.Service)
	assert.Equal(t, "urn:example", h.ServiceType)
	assert.Equal(t, "Submit", h.Action)
	assert.Equal(t, "conv-1", h.ConversationID)
	assert.Equal(t, "http://example.com/agreements/orders", h.AgreementRef)
	assert.Equal(t, 2024, h.Timestamp.Year())
	require.Len(t, h.Properties, 1)
	assert.Equal(t, "urn:buyer", h.Properties[0].Value)

	require.Len(t, h.Parts, 2)
	assert.Empty(t, h.Parts[0].ContentID())
	assert.Equal(t, "invoice@buyer.example.com", h.Parts[1].ContentID())
	assert.Equal(t, "application/gzip", h.Parts[1].Property(PropCompressionType))

	part, ok := h.PartByContentID("<invoice@buyer.example.com>")
	require.True(t, ok)
	assert.Equal(t, "application/xml", part.Property(PropMimeType))
}

func TestExtractHeader_V2(t *testing.T) {
	env, err := ParseEnvelope([]byte(ebmsV2XML))
	require.NoError(t, err)

	h, err := ExtractHeader(env)
	require.NoError(t, err)
	assert.Equal(t, "v2-message@buyer", h.MessageID)
	assert.Equal(t, "cpa-v2", h.AgreementRef)
	assert.Equal(t, "OrderService", h.Service)
	assert.Equal(t, "buyer", h.From.PartyID)
}

func TestExtractSignal(t *testing.T) {
	env, err := ParseEnvelope([]byte(errorSignalXML))
	require.NoError(t, err)

	s, err := ExtractSignal(env)
	require.NoError(t, err)
	assert.False(t, s.Receipt)
	assert.Equal(t, "orders-123@buyer.example.com", s.RefToMessageID)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "EBMS:0101", s.Errors[0].Code)
	assert.Equal(t, "bad signature", s.Errors[0].Description)

	env, err = ParseEnvelope([]byte(receiptXML))
	require.NoError(t, err)
	s, err = ExtractSignal(env)
	require.NoError(t, err)
	assert.True(t, s.Receipt)
	assert.Equal(t, "orders-123@buyer.example.com", s.RefToMessageID)
}

func TestValidateMessaging(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr *EbmsError
	}{
		{"valid", func(s string) string { return s }, nil},
		{"missing role", func(s string) string {
			return strings.Replace(s, "<eb3:Role>http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/initiator</eb3:Role>", "", 1)
		}, &EbmsInvalidHeader},
		{"missing action", func(s string) string {
			return strings.Replace(s, "<eb3:Action>Submit</eb3:Action>", "", 1)
		}, &EbmsInvalidHeader},
		{"bad timestamp", func(s string) string {
			return strings.Replace(s, "2024-03-01T10:00:00.000Z", "yesterday", 1)
		}, &EbmsValueNotRecognized},
		{"property without name", func(s string) string {
			return strings.Replace(s, `<eb3:Property name="originalSender">`, `<eb3:Property>`, 1)
		}, &EbmsInvalidHeader},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tc.mutate(userMessageXML)))
			require.NoError(t, err)

			err = ValidateMessaging(env)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.wantErr.Code, perr.Code.Code)
		})
	}
}

func TestUserMessageBuilder_BuildEnvelope(t *testing.T) {
	env, parts, err := NewUserMessage(
		WithMessageID("built-1@test"),
		WithFrom("sender", "type1"),
		WithTo("receiver", "type2"),
		WithToRole("http://example.com/responder"),
		WithService("svc", ""),
		WithAction("act"),
		WithAgreementRef("agreement-1"),
		WithMessageProperty("priority", "high"),
	).AddPayload(PayloadPart{
		ContentID:   "<doc@test>",
		ContentType: "application/xml",
		Properties:  []Property{{Name: PropMimeType, Value: "application/xml"}},
		Data:        []byte("<doc/>"),
	}).BuildEnvelope()
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "doc@test", parts[0].ContentID)

	raw, err := env.Bytes()
	require.NoError(t, err)

	c, err := Classify(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUserMessage, c.Type)
	assert.Equal(t, "built-1@test", c.MessageID)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.NoError(t, ValidateMessaging(parsed))

	h, err := ExtractHeader(parsed)
	require.NoError(t, err)
	assert.Equal(t, "sender", h.From.PartyID)
	assert.Equal(t, NsS12Role, h.From.Role)
	assert.Equal(t, "http://example.com/responder", h.To.Role)
	assert.Equal(t, "agreement-1", h.AgreementRef)
	require.Len(t, h.Parts, 1)
	assert.Equal(t, "cid:doc@test", h.Parts[0].Href)
	assert.Equal(t, "application/xml", h.Parts[0].Property(PropMimeType))
}

func TestUserMessageBuilder_RequiredFields(t *testing.T) {
	_, _, err := NewUserMessage(WithFrom("s", ""), WithTo("r", ""), WithService("svc", "")).Build()
	assert.ErrorContains(t, err, "action is required")

	_, _, err = NewUserMessage(WithTo("r", ""), WithService("svc", ""), WithAction("a")).Build()
	assert.ErrorContains(t, err, "sender party ID is required")

	_, _, err = NewUserMessage(WithFrom("s", ""), WithTo("r", ""), WithService("svc", ""), WithAction("a")).
		AddPayload(PayloadPart{Data: []byte("x")}).Build()
	assert.ErrorContains(t, err, "no content type")
}

func TestNewReceipt_CopiesUserMessage(t *testing.T) {
	inbound, err := ParseEnvelope([]byte(userMessageXML))
	require.NoError(t, err)

	receipt := NewReceipt(inbound, ReceiptOptions{MessageID: "r-1@test"})
	raw, err := receipt.Bytes()
	require.NoError(t, err)

	c, err := Classify(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeSignalMessage, c.Type)
	assert.Equal(t, "r-1@test", c.MessageID)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	sig, err := ExtractSignal(parsed)
	require.NoError(t, err)
	assert.True(t, sig.Receipt)
	assert.Equal(t, "orders-123@buyer.example.com", sig.RefToMessageID)

	copied := Path(parsed.SignalMessage(), NsEbMS, "Receipt", "UserMessage")
	require.NotNil(t, copied)
	assert.Equal(t, "Submit", PathText(copied, NsEbMS, "CollaborationInfo", "Action"))
}

func TestNewReceipt_RefToOriginal(t *testing.T) {
	inbound, err := ParseEnvelope([]byte(userMessageXML))
	require.NoError(t, err)

	receipt := NewReceipt(inbound, ReceiptOptions{RefToMessageID: "original-1"})
	sig, err := ExtractSignal(receipt)
	require.NoError(t, err)
	assert.Equal(t, "original-1", sig.RefToMessageID)
	assert.True(t, strings.HasSuffix(sig.MessageID, "@"+DefaultMessageIDDomain))
}

func TestNewReceipt_NonRepudiation(t *testing.T) {
	signed := strings.Replace(userMessageXML, "<S12:Header>", `<S12:Header>
    <wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
      <ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
        <ds:SignedInfo>
          <ds:Reference URI="#body-1"><ds:DigestValue>abc=</ds:DigestValue></ds:Reference>
          <ds:Reference URI="cid:invoice@buyer.example.com"><ds:DigestValue>def=</ds:DigestValue></ds:Reference>
        </ds:SignedInfo>
      </ds:Signature>
    </wsse:Security>`, 1)
	inbound, err := ParseEnvelope([]byte(signed))
	require.NoError(t, err)

	receipt := NewReceipt(inbound, ReceiptOptions{NonRepudiation: true})
	raw, err := receipt.Bytes()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	nri := Path(parsed.SignalMessage(), NsEbMS, "Receipt")
	require.NotNil(t, nri)
	info := Child(nri, NsEbbp, "NonRepudiationInformation")
	require.NotNil(t, info)
	parts := Children(info, NsEbbp, "MessagePartNRInformation")
	require.Len(t, parts, 2)
	ref := Child(parts[1], NsDS, "Reference")
	require.NotNil(t, ref)
	assert.Equal(t, "cid:invoice@buyer.example.com", ref.SelectAttrValue("URI", ""))
	assert.Equal(t, "def=", PathText(ref, NsDS, "DigestValue"))
}

func TestNewErrorSignal(t *testing.T) {
	for _, soap := range []SOAPVersion{SOAP11, SOAP12} {
		t.Run(string(soap), func(t *testing.T) {
			env := NewErrorSignal(ErrorSignalOptions{
				SOAP:           soap,
				RefToMessageID: "orders-123",
				Code:           EbmsFailedAuthentication,
			})
			raw, err := env.Bytes()
			require.NoError(t, err)

			c, err := Classify(raw)
			require.NoError(t, err)
			assert.Equal(t, TypeSignalMessageError, c.Type)
			assert.Equal(t, soap, c.SOAPVersion)

			parsed, err := ParseEnvelope(raw)
			require.NoError(t, err)
			sig, err := ExtractSignal(parsed)
			require.NoError(t, err)
			require.Len(t, sig.Errors, 1)
			assert.Equal(t, "EBMS:0101", sig.Errors[0].Code)
			assert.Equal(t, "FailedAuthentication", sig.Errors[0].ShortDescription)
			assert.Contains(t, FaultReason(parsed), "EBMS:0101")
		})
	}
}

func TestNewErrorSignal_DefaultsToOther(t *testing.T) {
	env := NewErrorSignal(ErrorSignalOptions{})
	sig, err := ExtractSignal(env)
	require.NoError(t, err)
	require.Len(t, sig.Errors, 1)
	assert.Equal(t, EbmsOther.Code, sig.Errors[0].Code)
}

func TestLookupError(t *testing.T) {
	e, ok := LookupError("EBMS:0004")
	require.True(t, ok)
	assert.Equal(t, "Other", e.ShortDescription)

	_, ok = LookupError("EBMS:9999")
	assert.False(t, ok)
}

func TestParsePartProperties(t *testing.T) {
	props := ParsePartProperties("MimeType=application/xml; CharacterSet=UTF-8;;broken;Note=a=b")
	require.Len(t, props, 3)
	assert.Equal(t, Property{Name: "MimeType", Value: "application/xml"}, props[0])
	assert.Equal(t, Property{Name: "CharacterSet", Value: "UTF-8"}, props[1])
	assert.Equal(t, Property{Name: "Note", Value: "a=b"}, props[2])

	assert.Equal(t, "MimeType=application/xml;CharacterSet=UTF-8;Note=a=b", FormatPartProperties(props))
	assert.Empty(t, ParsePartProperties(""))
}

func TestMessageType_JSON(t *testing.T) {
	data, err := TypeSignalMessageError.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"SignalMessageError"`, string(data))

	var mt MessageType
	require.NoError(t, mt.UnmarshalJSON([]byte(`"UserMessage"`)))
	assert.Equal(t, TypeUserMessage, mt)
	assert.True(t, TypeSignalMessageWithUserMessage.IsSignal())
	assert.False(t, TypeUserMessage.IsSignal())
}
