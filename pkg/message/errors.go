package message

import "fmt"

// Severity of an ebMS error.
const (
	SeverityFailure = "failure"
	SeverityWarning = "warning"
)

// EbmsError is one entry of the ebMS3 error catalog.
type EbmsError struct {
	Code             string `json:"code"`
	ShortDescription string `json:"shortDescription"`
	Severity         string `json:"severity"`
	Category         string `json:"category"`
	Description      string `json:"description"`
}

func (e EbmsError) String() string {
	return e.Code + " " + e.ShortDescription
}

// IsZero reports whether e is the zero catalog entry.
func (e EbmsError) IsZero() bool {
	return e.Code == ""
}

// The ebMS3 core and AS4 error catalog.
var (
	EbmsValueNotRecognized = EbmsError{"EBMS:0001", "ValueNotRecognized", SeverityFailure, "Content",
		"Although the message document is well formed and schema valid, some element/attribute contains a value that could not be recognized."}
	EbmsFeatureNotSupported = EbmsError{"EBMS:0002", "FeatureNotSupported", SeverityWarning, "Content",
		"Although the message document is well formed and schema valid, some element/attribute value cannot be processed as expected because the related feature is not supported by the MSH."}
	EbmsValueInconsistent = EbmsError{"EBMS:0003", "ValueInconsistent", SeverityFailure, "Content",
		"Although the message document is well formed and schema valid, some element/attribute value is inconsistent either with the content of other element/attribute, or with the processing mode of the MSH, or with the normal message flow."}
	EbmsOther = EbmsError{"EBMS:0004", "Other", SeverityFailure, "Content",
		"The message could not be processed."}
	EbmsConnectionFailure = EbmsError{"EBMS:0005", "ConnectionFailure", SeverityFailure, "Communication",
		"The MSH is experiencing temporary or permanent failure in trying to open a transport connection with a remote MSH."}
	EbmsEmptyMessagePartitionChannel = EbmsError{"EBMS:0006", "EmptyMessagePartitionChannel", SeverityWarning, "Communication",
		"There is no message available for pulling from this MPC at this moment."}
	EbmsMimeInconsistency = EbmsError{"EBMS:0007", "MimeInconsistency", SeverityFailure, "Unpackaging",
		"The use of MIME is not consistent with the required usage in this specification."}
	EbmsInvalidHeader = EbmsError{"EBMS:0009", "InvalidHeader", SeverityFailure, "Unpackaging",
		"The header is invalid or not conformant to the ebMS header schema."}
	EbmsProcessingModeMismatch = EbmsError{"EBMS:0010", "ProcessingModeMismatch", SeverityFailure, "Processing",
		"The ebMS header or another header is not compatible with the agreement that governs this message."}
	EbmsExternalPayloadError = EbmsError{"EBMS:0011", "ExternalPayloadError", SeverityFailure, "Content",
		"The MSH is unable to resolve an external payload reference."}
	EbmsFailedAuthentication = EbmsError{"EBMS:0101", "FailedAuthentication", SeverityFailure, "Processing",
		"The signature in the Security header intended for the ebms SOAP actor could not be validated by the Security module."}
	EbmsFailedDecryption = EbmsError{"EBMS:0102", "FailedDecryption", SeverityFailure, "Processing",
		"The encrypted data reference in the Security header could not be decrypted by the Security module."}
	EbmsPolicyNoncompliance = EbmsError{"EBMS:0103", "PolicyNoncompliance", SeverityFailure, "Processing",
		"The processor determined that the message's security methods, parameters, scope or other security policy-level requirements or agreements were not satisfied."}
	EbmsDysfunctionalReliability = EbmsError{"EBMS:0201", "DysfunctionalReliability", SeverityFailure, "Processing",
		"Some reliability function as implemented by the Reliability module is not operational."}
	EbmsDeliveryFailure = EbmsError{"EBMS:0202", "DeliveryFailure", SeverityFailure, "Communication",
		"Although the message was sent under Guaranteed delivery requirement, the Reliability module could not get assurance that the message was properly delivered."}
	EbmsMissingReceipt = EbmsError{"EBMS:0301", "MissingReceipt", SeverityFailure, "Communication",
		"A Receipt has not been received for a message that was previously sent by the MSH generating this error."}
	EbmsInvalidReceipt = EbmsError{"EBMS:0302", "InvalidReceipt", SeverityFailure, "Communication",
		"A Receipt has been received for a message that was previously sent by the MSH generating this error, but the content does not match the message content."}
	EbmsDecompressionFailure = EbmsError{"EBMS:0303", "DecompressionFailure", SeverityFailure, "Communication",
		"An error occurred during the decompression."}
)

var catalog = map[string]EbmsError{}

func init() {
	for _, e := range []EbmsError{
		EbmsValueNotRecognized, EbmsFeatureNotSupported, EbmsValueInconsistent, EbmsOther,
		EbmsConnectionFailure, EbmsEmptyMessagePartitionChannel, EbmsMimeInconsistency,
		EbmsInvalidHeader, EbmsProcessingModeMismatch, EbmsExternalPayloadError,
		EbmsFailedAuthentication, EbmsFailedDecryption, EbmsPolicyNoncompliance,
		EbmsDysfunctionalReliability, EbmsDeliveryFailure, EbmsMissingReceipt,
		EbmsInvalidReceipt, EbmsDecompressionFailure,
	} {
		catalog[e.Code] = e
	}
}

// LookupError returns the catalog entry for an error code such as
// "EBMS:0004".
func LookupError(code string) (EbmsError, bool) {
	e, ok := catalog[code]
	return e, ok
}

// ProtocolError is a message-level fault tied to a catalog entry.
type ProtocolError struct {
	Code   EbmsError
	Detail string
}

// NewProtocolError creates a ProtocolError with a formatted detail.
func NewProtocolError(code EbmsError, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Detail
}
