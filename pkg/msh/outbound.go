package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/compression"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
	"github.com/pvanvliet16/jentrata-VIB/pkg/mime"
	"github.com/pvanvliet16/jentrata-VIB/pkg/reliability"
	"github.com/pvanvliet16/jentrata-VIB/pkg/security"
)

// ErrNoAgreement is returned when a submission names no usable agreement.
var ErrNoAgreement = errors.New("no partner agreement for outbound message")

// Submit packages, signs and records an outbound user message and queues
// it for delivery. On failure the message is recorded as FAILED and routed
// to the outbound-error queue; the returned error is a *StageError.
func (m *MSH) Submit(ctx context.Context, sub *Submission) (*storage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "msh.Submit", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	messageID := sub.MessageID
	if messageID == "" {
		messageID = message.NewMessageID(m.domain)
	}
	x := &Exchange{
		ID:         uuid.NewString(),
		Direction:  storage.DirectionOutbound,
		ReceivedAt: m.now().UTC(),
		Classification: message.Classification{
			Type:      message.TypeUserMessage,
			MessageID: messageID,
		},
		Logger: m.logger.With(
			slog.String("direction", string(storage.DirectionOutbound)),
			slog.String("message_id", messageID)),
	}
	done := m.metrics.Begin(ctx, string(x.Direction))

	rec, err := m.submit(ctx, x, sub)
	span.SetAttributes(
		attribute.String("ebms.message_id", messageID),
		attribute.String("ebms.cpa_id", x.CPAID),
	)
	if err != nil {
		se := AsStageError(err)
		m.failOutbound(ctx, x, rec, se)
		done(string(storage.StatusFailed))
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Error())
		return nil, se
	}
	done(string(rec.Status))
	return rec, nil
}

func (m *MSH) submit(ctx context.Context, x *Exchange, sub *Submission) (*storage.Message, error) {
	a, err := m.outboundAgreement(sub.CPAID)
	if err != nil {
		return nil, err
	}
	x.Agreement = a
	x.CPAID = a.CPAID
	x.Logger = x.Logger.With(slog.String("cpa_id", a.CPAID))

	parts, err := m.preparePayloads(a, sub.Payloads, x.ReceivedAt)
	if err != nil {
		return nil, err
	}

	builder := message.NewUserMessage(m.userMessageOptions(x, a, sub)...)
	for _, p := range parts {
		builder.AddPayload(p)
	}
	env, parts, err := builder.BuildEnvelope()
	if err != nil {
		return nil, validationError(message.NewProtocolError(message.EbmsValueInconsistent, "%v", err))
	}
	x.Envelope = env
	x.Header, _ = message.ExtractHeader(env)

	attachments := make([]security.Attachment, 0, len(parts))
	mimeParts := make([]mime.Part, 0, len(parts))
	for _, p := range parts {
		attachments = append(attachments, security.Attachment{ContentID: p.ContentID, ContentType: p.ContentType, Data: p.Data})
		headers := textproto.MIMEHeader{}
		for k, v := range p.Headers {
			headers.Set(k, v)
		}
		mimeParts = append(mimeParts, mime.Part{ContentID: p.ContentID, ContentType: p.ContentType, Headers: headers, Data: p.Data})
	}

	signed, err := m.enforcer.Sign(ctx, env, message.TypeUserMessage, attachments, a)
	if err != nil {
		return nil, &StageError{Kind: KindSecurity, Code: security.ErrorCode(err), Err: err}
	}
	x.Package = mime.NewMessage(signed, env.SOAP, mimeParts)
	body, contentType, err := x.Package.Serialize()
	if err != nil {
		return nil, internalError(err)
	}
	x.Body, x.ContentType = body, contentType

	endpoint, err := m.resolver.ResolveEndpoint(ctx, a)
	if err != nil {
		return nil, agreementError(err)
	}

	ref, err := m.store.StoreRaw(ctx, body, contentType)
	if err != nil {
		return nil, internalError(fmt.Errorf("store raw message: %w", err))
	}
	x.RawRef = ref

	rec := &storage.Message{
		ID:             x.ID,
		MessageID:      x.MessageID(),
		Direction:      x.Direction,
		Type:           message.TypeUserMessage,
		CPAID:          a.CPAID,
		RefToMessageID: sub.RefToMessageID,
		ConversationID: x.Header.ConversationID,
		Status:         storage.StatusPending,
		RawRef:         ref,
		Timestamp:      x.ReceivedAt,
		UpdatedAt:      x.ReceivedAt,
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			return nil, validationError(message.NewProtocolError(message.EbmsValueInconsistent,
				"message id %s already sent", rec.MessageID))
		}
		return nil, internalError(fmt.Errorf("record message: %w", err))
	}
	x.Status = rec.Status

	err = m.bus.OutboundDelivery.Publish(ctx, Delivery{
		RecordID:    rec.ID,
		MessageID:   rec.MessageID,
		CPAID:       a.CPAID,
		Type:        message.TypeUserMessage,
		Endpoint:    endpoint,
		Body:        body,
		ContentType: contentType,
		Retry:       reliability.NewRetryPolicy(a.ReceptionAwareness),
	})
	if err != nil {
		return rec, internalError(fmt.Errorf("queue delivery: %w", err))
	}

	m.emit(Event{Type: EventQueued, MessageID: rec.MessageID, Direction: rec.Direction, CPAID: rec.CPAID, Status: rec.Status})
	x.Logger.Info("outbound message queued",
		slog.String("endpoint", endpoint),
		slog.Int("payloads", len(parts)))
	return rec, nil
}

// outboundAgreement resolves the explicit agreement id, or the configured
// default. UNKNOWN never resolves.
func (m *MSH) outboundAgreement(id string) (*cpa.PartnerAgreement, error) {
	if id == "" {
		id = m.defaultCPAID
	}
	if id == "" || id == cpa.UnknownCPAID {
		return nil, agreementError(ErrNoAgreement)
	}
	a, err := m.agreements.FindByCPAID(id)
	if err != nil {
		return nil, agreementError(fmt.Errorf("%w: %s: %v", ErrNoAgreement, id, err))
	}
	return a, nil
}

// userMessageOptions fills everything the submission leaves open from the
// agreement.
func (m *MSH) userMessageOptions(x *Exchange, a *cpa.PartnerAgreement, sub *Submission) []message.Option {
	service, action := sub.Service, sub.Action
	if service == "" && len(a.Services) > 0 {
		service = a.Services[0].Service
		if action == "" && len(a.Services[0].Actions) > 0 {
			action = a.Services[0].Actions[0].Action
		}
	}
	if service == "" {
		service = message.DefaultService
	}
	if action == "" {
		action = message.DefaultAction
	}

	opts := []message.Option{
		message.WithMessageID(x.MessageID()),
		message.WithTimestamp(x.ReceivedAt),
		message.WithFrom(a.Initiator.PartyID, a.Initiator.PartyIDType),
		message.WithFromRole(a.Initiator.Role),
		message.WithTo(a.Responder.PartyID, a.Responder.PartyIDType),
		message.WithToRole(a.Responder.Role),
		message.WithService(service, ""),
		message.WithAction(action),
		message.WithAgreementRef(a.AgreementRef),
		message.WithConversationID(sub.ConversationID),
		message.WithRefToMessageID(sub.RefToMessageID),
	}
	names := make([]string, 0, len(sub.Properties))
	for name := range sub.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		opts = append(opts, message.WithMessageProperty(name, sub.Properties[name]))
	}
	return opts
}

// preparePayloads applies the payload defaults: charset UTF-8, binary
// transfer encoding, a generated attachment filename, the profile's
// payload id and compression. Content that is already compressed is sent
// as is.
func (m *MSH) preparePayloads(a *cpa.PartnerAgreement, in []SubmittedPayload, now time.Time) ([]message.PayloadPart, error) {
	profile := a.PayloadService
	if profile == nil {
		profile = &cpa.PayloadService{}
	}
	baseID := profile.PayloadID
	if baseID == "" {
		baseID = message.DefaultPayloadID
	}

	parts := make([]message.PayloadPart, 0, len(in))
	for i, p := range in {
		id := p.ID
		if id == "" {
			id = baseID
			if i > 0 {
				id = fmt.Sprintf("%s-%d", baseID, i)
			}
		}
		contentType := p.ContentType
		if contentType == "" {
			contentType = profile.ContentType
		}
		charset := p.Charset
		if charset == "" {
			charset = message.DefaultCharset
		}
		filename := p.Filename
		if filename == "" {
			filename = defaultFilename(contentType, now)
		}
		if contentType == "" {
			contentType = mime.ContentTypeOctetStream
		}

		props := message.ParsePartProperties(p.PartProperties)
		props = message.SetProperty(props, message.PropMimeType, contentType)
		props = message.SetProperty(props, message.PropCharacterSet, charset)

		data := p.Data
		partType := contentType
		if compression.IsGzip(profile.CompressionType) && compression.ShouldCompress(contentType) {
			compressed, err := m.compressor.Compress(data)
			if err != nil {
				return nil, internalError(fmt.Errorf("compress payload %s: %w", id, err))
			}
			data = compressed
			partType = message.CompressionGzip
			props = message.SetProperty(props, message.PropCompressionType, message.CompressionGzip)
		}

		parts = append(parts, message.PayloadPart{
			ContentID:   id,
			ContentType: partType,
			Headers: map[string]string{
				"Content-Transfer-Encoding": "binary",
				"Content-Disposition":       "attachment; filename=" + filename,
			},
			Properties: props,
			Data:       data,
		})
	}
	return parts, nil
}

// defaultFilename is yyyyMMddHHmmssSSS with .xml for XML content and .txt
// for anything else.
func defaultFilename(contentType string, now time.Time) string {
	ext := ".txt"
	if strings.Contains(strings.ToLower(contentType), "xml") {
		ext = ".xml"
	}
	return fmt.Sprintf("%s%03d%s", now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond), ext)
}

// failOutbound records a failed submission. rec is nil when the failure
// happened before the record was written.
func (m *MSH) failOutbound(ctx context.Context, x *Exchange, rec *storage.Message, se *StageError) {
	x.Status = storage.StatusFailed
	x.Logger.Error("outbound message failed",
		slog.String("kind", se.Kind.String()),
		slog.String("code", se.Code.Code),
		slog.String("error", se.Error()))
	m.metrics.RecordFailure(ctx, string(x.Direction), se.Kind.String(), se.Code.Code)

	description := se.Code.String() + ": " + se.Err.Error()
	if rec != nil {
		if err := m.store.UpdateDelivery(ctx, rec.ID, storage.StatusFailed, description); err != nil {
			x.Logger.Error("failed to update message status", slog.String("error", err.Error()))
		}
	} else {
		cpaID := x.CPAID
		if cpaID == "" {
			cpaID = cpa.UnknownCPAID
		}
		failed := &storage.Message{
			ID:                x.ID,
			MessageID:         x.MessageID(),
			Direction:         x.Direction,
			Type:              message.TypeUserMessage,
			CPAID:             cpaID,
			Status:            storage.StatusFailed,
			StatusDescription: description,
			RawRef:            x.RawRef,
			Timestamp:         x.ReceivedAt,
			UpdatedAt:         m.now().UTC(),
		}
		if err := m.store.Insert(ctx, failed); err != nil && !errors.Is(err, storage.ErrDuplicateMessage) {
			x.Logger.Error("failed to record failed message", slog.String("error", err.Error()))
		}
	}

	m.publishFailure(m.bus.OutboundError, Failure{
		Kind:      se.Kind,
		MessageID: x.MessageID(),
		Direction: x.Direction,
		CPAID:     x.CPAID,
		Code:      se.Code,
		Err:       se.Err,
		Timestamp: m.now().UTC(),
	})
	m.emit(Event{
		Type:      EventFailed,
		MessageID: x.MessageID(),
		Direction: x.Direction,
		CPAID:     x.CPAID,
		Status:    storage.StatusFailed,
		Code:      se.Code.Code,
		Error:     se.Error(),
	})
}
