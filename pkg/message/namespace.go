package message

// Namespace URIs recognised and produced by the gateway.
const (
	NsSOAP11  = "http://schemas.xmlsoap.org/soap/envelope/"
	NsSOAP12  = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMSv2  = "http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsEbbp    = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
	NsWSSE    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSU     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS      = "http://www.w3.org/2000/09/xmldsig#"
	NsS12Role = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"
)

// Defaults shared by the inbound and outbound pipelines.
const (
	// DefaultPayloadID names the payload carried in the SOAP body.
	DefaultPayloadID = "soapbodypart"

	// CompressionGzip is the only compression type AS4 defines.
	CompressionGzip = "application/gzip"

	// DefaultCharset applies when neither the submission nor the agreement
	// names a character set.
	DefaultCharset = "UTF-8"

	// DefaultService and DefaultAction identify the ebMS3 test service.
	DefaultService = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/service"
	DefaultAction  = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/test"
)

// Well-known PartInfo property names.
const (
	PropMimeType        = "MimeType"
	PropCompressionType = "CompressionType"
	PropCharacterSet    = "CharacterSet"
)

// SOAPVersion is the SOAP envelope version of a message.
type SOAPVersion string

const (
	SOAP11 SOAPVersion = "1.1"
	SOAP12 SOAPVersion = "1.2"
)

// Namespace returns the envelope namespace URI for the version.
func (v SOAPVersion) Namespace() string {
	if v == SOAP11 {
		return NsSOAP11
	}
	return NsSOAP12
}

// ContentType returns the MIME type of an envelope with this version.
func (v SOAPVersion) ContentType() string {
	if v == SOAP11 {
		return "text/xml"
	}
	return "application/soap+xml"
}

// EbmsVersion identifies the ebMS header namespace in use.
type EbmsVersion string

const (
	EbmsV2 EbmsVersion = "2.0"
	EbmsV3 EbmsVersion = "3.0"
)

// Namespace returns the header namespace URI for the version.
func (v EbmsVersion) Namespace() string {
	if v == EbmsV2 {
		return NsEbMSv2
	}
	return NsEbMS
}
