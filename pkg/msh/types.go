package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
	"github.com/pvanvliet16/jentrata-VIB/pkg/mime"
	"github.com/pvanvliet16/jentrata-VIB/pkg/reliability"
	"github.com/pvanvliet16/jentrata-VIB/pkg/security"
)

// ContentTypeSOAP is the content type of every intake response.
const ContentTypeSOAP = "application/soap+xml"

// Exchange is the state of one message as it moves through a pipeline.
// Each stage reads the fields set by the stages before it.
type Exchange struct {
	// ID is the delivery record id.
	ID          string
	Direction   storage.Direction
	ReceivedAt  time.Time
	Body        []byte
	ContentType string
	// RawRef is the claim-check reference of Body.
	RawRef string

	Package        *mime.Message
	Envelope       *message.Envelope
	Classification message.Classification
	Header         *message.Header
	Signal         *message.Signal

	Agreement *cpa.PartnerAgreement
	CPAID     string
	Security  security.Result
	Claim     reliability.Claim

	Status   storage.Status
	Payloads []*storage.Payload

	Logger *slog.Logger
}

// MessageID returns the ebMS message id, or "" before classification.
func (x *Exchange) MessageID() string {
	return x.Classification.MessageID
}

// Type returns the classified message type.
func (x *Exchange) Type() message.MessageType {
	return x.Classification.Type
}

// attachments returns the MIME parts in the form the security enforcer
// expects.
func (x *Exchange) attachments() []security.Attachment {
	if x.Package == nil {
		return nil
	}
	out := make([]security.Attachment, 0, len(x.Package.Attachments))
	for _, p := range x.Package.Attachments {
		out = append(out, security.Attachment{
			ContentID:   p.ContentID,
			ContentType: p.ContentType,
			Data:        p.Data,
		})
	}
	return out
}

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindSecurity
	KindAgreement
	KindTransport
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	case KindAgreement:
		return "agreement"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// StageError is the failure of one pipeline stage.
type StageError struct {
	Kind ErrorKind
	Code message.EbmsError
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Code.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AsStageError returns err as a *StageError. Errors of any other type are
// wrapped as internal errors.
func AsStageError(err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: KindInternal, Code: message.EbmsOther, Err: err}
}

func validationError(err error) *StageError {
	code := message.EbmsOther
	var pe *message.ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code
	}
	return &StageError{Kind: KindValidation, Code: code, Err: err}
}

func securityError(res security.Result) *StageError {
	return &StageError{Kind: KindSecurity, Code: res.Code(), Err: res.Cause}
}

func agreementError(err error) *StageError {
	return &StageError{Kind: KindAgreement, Code: message.EbmsProcessingModeMismatch, Err: err}
}

func transportError(err error) *StageError {
	return &StageError{Kind: KindTransport, Code: message.EbmsDeliveryFailure, Err: err}
}

func internalError(err error) *StageError {
	return &StageError{Kind: KindInternal, Code: message.EbmsOther, Err: err}
}

// Response is the HTTP answer to an inbound delivery.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// EventType names a lifecycle event.
type EventType string

const (
	EventReceived      EventType = "message.received"
	EventDelivered     EventType = "message.delivered"
	EventIgnored       EventType = "message.ignored"
	EventFailed        EventType = "message.failed"
	EventSecurityError EventType = "security.error"
	EventQueued        EventType = "message.queued"
	EventSent          EventType = "message.sent"
	EventRetry         EventType = "message.retry"
	EventCorrelated    EventType = "signal.correlated"
)

// Event is published on the event-notification queue.
type Event struct {
	Type      EventType         `json:"type"`
	MessageID string            `json:"messageId"`
	Direction storage.Direction `json:"direction"`
	CPAID     string            `json:"cpaId,omitempty"`
	Status    storage.Status    `json:"status,omitempty"`
	Code      string            `json:"code,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventHandler receives lifecycle events.
type EventHandler func(Event)

// Failure is published on the outbound-error and security-error queues.
type Failure struct {
	Kind      ErrorKind
	MessageID string
	Direction storage.Direction
	CPAID     string
	Code      message.EbmsError
	Err       error
	Timestamp time.Time
}

// ErrorHandler receives failures from the error queues.
type ErrorHandler func(Failure)

// RawMessage is an inbound HTTP body queued for asynchronous processing.
type RawMessage struct {
	Body        []byte
	ContentType string
	ReceivedAt  time.Time
}

// PayloadAvailable announces one extracted payload.
type PayloadAvailable struct {
	MessageID string
	CPAID     string
	Service   string
	Action    string
	Payload   *storage.Payload
}

// PayloadHandler consumes extracted payloads.
type PayloadHandler func(ctx context.Context, p PayloadAvailable) error

// SignalReceived hands an inbound receipt or error to correlation.
type SignalReceived struct {
	MessageID string
	CPAID     string
	Type      message.MessageType
	Signal    *message.Signal
}

// Delivery is an envelope ready to be posted to a partner.
type Delivery struct {
	// RecordID is the outbound record to update.
	RecordID  string
	MessageID string
	CPAID     string
	Type      message.MessageType
	Endpoint  string
	Body      []byte
	// ContentType of Body, multipart/related when attachments are present.
	ContentType string
	// Attempt counts failed deliveries so far.
	Attempt int
	Retry   reliability.RetryPolicy
}

// Submission is an application request to send a user message.
type Submission struct {
	// CPAID selects the agreement. Empty uses the configured default.
	CPAID          string             `json:"cpaId,omitempty"`
	MessageID      string             `json:"messageId,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	RefToMessageID string             `json:"refToMessageId,omitempty"`
	Service        string             `json:"service,omitempty"`
	Action         string             `json:"action,omitempty"`
	Properties     map[string]string  `json:"properties,omitempty"`
	Payloads       []SubmittedPayload `json:"payloads"`
}

// SubmittedPayload is one application payload of a Submission.
type SubmittedPayload struct {
	ID          string `json:"id,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Charset     string `json:"charset,omitempty"`
	Filename    string `json:"filename,omitempty"`
	// PartProperties holds "name=value;name=value" pairs.
	PartProperties string `json:"partProperties,omitempty"`
	Data           []byte `json:"data"`
}
