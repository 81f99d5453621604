package message

import (
	"time"

	"github.com/beevik/etree"
)

// ReceiptOptions controls the form of a generated receipt.
type ReceiptOptions struct {
	// MessageID of the receipt itself; generated when empty.
	MessageID string
	// RefToMessageID overrides the referenced message. Duplicates are
	// acknowledged against the original delivery's id.
	RefToMessageID string
	// NonRepudiation requests ebbp:NonRepudiationInformation built from the
	// inbound signature references. Without a signature on the inbound
	// message the receipt falls back to a copy of the user message.
	NonRepudiation bool
	// Domain used when generating MessageID.
	Domain string
}

// NewReceipt builds a receipt signal acknowledging the user message carried
// by inbound.
func NewReceipt(inbound *Envelope, opts ReceiptOptions) *Envelope {
	soap := inbound.SOAP
	if soap == "" {
		soap = SOAP12
	}
	id := opts.MessageID
	if id == "" {
		id = NewMessageID(opts.Domain)
	}

	var user *etree.Element
	ref := opts.RefToMessageID
	if inbound.Ebms == EbmsV3 {
		user = inbound.UserMessage()
		if ref == "" {
			ref = PathText(user, NsEbMS, "MessageInfo", "MessageId")
		}
	} else if ref == "" {
		ref = PathText(inbound.Header(), NsEbMSv2, "MessageHeader", "MessageData", "MessageId")
	}

	doc, header := newEnvelopeDoc(soap)
	signal := header.CreateElement("eb:Messaging").CreateElement("eb:SignalMessage")
	writeMessageInfo(signal, time.Now(), id, ref)
	receipt := signal.CreateElement("eb:Receipt")

	refs := signedReferences(inbound)
	switch {
	case opts.NonRepudiation && len(refs) > 0:
		nri := receipt.CreateElement("ebbp:NonRepudiationInformation")
		nri.CreateAttr("xmlns:ebbp", NsEbbp)
		for _, r := range refs {
			ImportElement(nri.CreateElement("ebbp:MessagePartNRInformation"), r)
		}
	case user != nil:
		ImportElement(receipt, user)
	}

	doc.Root().CreateElement("env:Body")
	return &Envelope{Doc: doc, SOAP: soap, Ebms: EbmsV3}
}

// signedReferences returns the ds:Reference elements of the inbound
// signature.
func signedReferences(env *Envelope) []*etree.Element {
	sec := env.Security()
	if sec == nil {
		return nil
	}
	return Children(Path(sec, NsDS, "Signature", "SignedInfo"), NsDS, "Reference")
}

// ErrorSignalOptions describes an error signal and its SOAP fault.
type ErrorSignalOptions struct {
	SOAP           SOAPVersion
	MessageID      string
	RefToMessageID string
	Code           EbmsError
	Detail         string
	Domain         string
}

// NewErrorSignal builds an eb:Error signal in the header and a matching SOAP
// fault in the body.
func NewErrorSignal(opts ErrorSignalOptions) *Envelope {
	soap := opts.SOAP
	if soap == "" {
		soap = SOAP12
	}
	code := opts.Code
	if code.IsZero() {
		code = EbmsOther
	}
	id := opts.MessageID
	if id == "" {
		id = NewMessageID(opts.Domain)
	}

	doc, header := newEnvelopeDoc(soap)
	signal := header.CreateElement("eb:Messaging").CreateElement("eb:SignalMessage")
	writeMessageInfo(signal, time.Now(), id, opts.RefToMessageID)

	errEl := signal.CreateElement("eb:Error")
	errEl.CreateAttr("category", code.Category)
	if opts.RefToMessageID != "" {
		errEl.CreateAttr("refToMessageInError", opts.RefToMessageID)
	}
	errEl.CreateAttr("errorCode", code.Code)
	errEl.CreateAttr("origin", "ebMS")
	errEl.CreateAttr("severity", code.Severity)
	errEl.CreateAttr("shortDescription", code.ShortDescription)
	desc := errEl.CreateElement("eb:Description")
	desc.CreateAttr("xml:lang", "en")
	desc.SetText(code.Description)
	if opts.Detail != "" {
		errEl.CreateElement("eb:ErrorDetail").SetText(opts.Detail)
	}

	writeFault(doc.Root().CreateElement("env:Body"), soap, code)
	return &Envelope{Doc: doc, SOAP: soap, Ebms: EbmsV3}
}

// writeFault adds a SOAP fault carrying the ebMS code and description.
func writeFault(body *etree.Element, soap SOAPVersion, code EbmsError) {
	fault := body.CreateElement("env:Fault")
	reason := code.Code + ": " + code.Description
	if soap == SOAP11 {
		fault.CreateElement("faultcode").SetText("env:Server")
		fault.CreateElement("faultstring").SetText(reason)
		return
	}
	fault.CreateElement("env:Code").CreateElement("env:Value").SetText("env:Receiver")
	text := fault.CreateElement("env:Reason").CreateElement("env:Text")
	text.CreateAttr("xml:lang", "en")
	text.SetText(reason)
}

// FaultReason returns the text of a SOAP fault in env, or "".
func FaultReason(env *Envelope) string {
	fault := Child(env.Body(), env.SOAP.Namespace(), "Fault")
	if fault == nil {
		return ""
	}
	if env.SOAP == SOAP11 {
		for _, c := range fault.ChildElements() {
			if c.Tag == "faultstring" {
				return trimText(c)
			}
		}
		return ""
	}
	return PathText(fault, env.SOAP.Namespace(), "Reason", "Text")
}
