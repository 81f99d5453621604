package msh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
	"github.com/pvanvliet16/jentrata-VIB/pkg/mime"
	"github.com/pvanvliet16/jentrata-VIB/pkg/security"
)

// Process runs one inbound HTTP delivery through the pipeline and returns
// the response for the sender. It never returns nil.
func (m *MSH) Process(ctx context.Context, body []byte, contentType string) *Response {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "msh.Inbound", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	x := &Exchange{
		ID:          uuid.NewString(),
		Direction:   storage.DirectionInbound,
		ReceivedAt:  m.now().UTC(),
		Body:        body,
		ContentType: contentType,
		Logger:      m.logger.With(slog.String("direction", string(storage.DirectionInbound))),
	}
	done := m.metrics.Begin(ctx, string(x.Direction))
	resp := m.runInbound(ctx, x)
	done(string(x.Status))

	span.SetAttributes(
		attribute.String("ebms.message_id", x.MessageID()),
		attribute.String("ebms.type", x.Type().String()),
		attribute.String("ebms.cpa_id", x.CPAID),
		attribute.String("ebms.status", string(x.Status)),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	if x.Status == storage.StatusFailed {
		span.SetStatus(codes.Error, "inbound message failed")
	}
	return resp
}

func (m *MSH) runInbound(ctx context.Context, x *Exchange) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = m.failInbound(ctx, x, internalError(fmt.Errorf("panic: %v", r)))
		}
	}()

	stages := []func(context.Context, *Exchange) error{
		m.classify,
		m.storeRaw,
		m.readHeader,
		m.resolveAgreement,
		m.claim,
		m.verify,
	}
	for _, stage := range stages {
		if err := stage(ctx, x); err != nil {
			return m.failInbound(ctx, x, AsStageError(err))
		}
	}
	return m.dispatch(ctx, x)
}

// classify unpacks the MIME package and determines the message type. A
// message without an id cannot be deduplicated or receipted.
func (m *MSH) classify(_ context.Context, x *Exchange) error {
	pkg, err := mime.Parse(bytes.NewReader(x.Body), x.ContentType)
	if err != nil {
		return validationError(message.NewProtocolError(message.EbmsMimeInconsistency, "%v", err))
	}
	x.Package = pkg

	env, err := message.ParseEnvelope(pkg.Envelope)
	if err != nil {
		return validationError(message.NewProtocolError(message.EbmsOther, "%v", err))
	}
	x.Envelope = env
	x.Classification = message.ClassifyEnvelope(env)
	x.Logger = x.Logger.With(
		slog.String("message_id", x.MessageID()),
		slog.String("type", x.Type().String()))

	if x.Type() == message.TypeUnknown {
		return validationError(message.NewProtocolError(message.EbmsOther, "unrecognised ebMS message"))
	}
	if x.MessageID() == "" {
		return validationError(message.NewProtocolError(message.EbmsOther, "missing eb:MessageId"))
	}
	return nil
}

func (m *MSH) storeRaw(ctx context.Context, x *Exchange) error {
	ref, err := m.store.StoreRaw(ctx, x.Body, x.ContentType)
	if err != nil {
		return internalError(fmt.Errorf("store raw message: %w", err))
	}
	x.RawRef = ref
	return nil
}

func (m *MSH) readHeader(_ context.Context, x *Exchange) error {
	if x.Type() == message.TypeUserMessage {
		if err := message.ValidateMessaging(x.Envelope); err != nil {
			return validationError(err)
		}
	}

	header, err := message.ExtractHeader(x.Envelope)
	if x.Type().IsSignal() {
		sig, serr := message.ExtractSignal(x.Envelope)
		if serr != nil {
			return validationError(serr)
		}
		x.Signal = sig
		if err != nil {
			// A bare ebMS2 acknowledgment carries no MessageHeader.
			header = &message.Header{MessageID: sig.MessageID, RefToMessageID: sig.RefToMessageID}
			err = nil
		}
	}
	if err != nil {
		return validationError(err)
	}
	x.Header = header
	return nil
}

// resolveAgreement never fails. Without a match the exchange carries the
// UNKNOWN marker and the security stage decides.
func (m *MSH) resolveAgreement(ctx context.Context, x *Exchange) error {
	a, err := m.agreements.FindByMessage(x.Envelope)
	if err != nil && x.Signal != nil && x.Signal.RefToMessageID != "" {
		// Signals rarely carry collaboration info; use the agreement the
		// acknowledged message was sent under.
		if rec, ferr := m.store.FindByMessageID(ctx, x.Signal.RefToMessageID, storage.DirectionOutbound); ferr == nil {
			a, err = m.agreements.FindByCPAID(rec.CPAID)
		}
	}
	if err != nil {
		x.CPAID = cpa.UnknownCPAID
		x.Logger.Debug("no partner agreement matches message")
	} else {
		x.Agreement = a
		x.CPAID = a.CPAID
	}
	x.Logger = x.Logger.With(slog.String("cpa_id", x.CPAID))
	return nil
}

// claim records the delivery as RECEIVED. The store's unique constraint
// makes this the atomic duplicate check. A retransmission of a FAILED
// delivery takes its place and is processed again.
func (m *MSH) claim(ctx context.Context, x *Exchange) error {
	rec := &storage.Message{
		ID:             x.ID,
		MessageID:      x.MessageID(),
		Direction:      x.Direction,
		Type:           x.Type(),
		CPAID:          x.CPAID,
		RefToMessageID: x.Header.RefToMessageID,
		ConversationID: x.Header.ConversationID,
		Status:         storage.StatusReceived,
		RawRef:         x.RawRef,
		Timestamp:      x.ReceivedAt,
		UpdatedAt:      x.ReceivedAt,
	}
	var policy *cpa.ReceptionAwareness
	if x.Agreement != nil {
		policy = x.Agreement.ReceptionAwareness
	}
	claim, err := m.tracker.Claim(ctx, rec, policy)
	if err != nil {
		return internalError(err)
	}
	x.Claim = claim
	x.Status = storage.StatusReceived
	if claim.Superseded != nil {
		x.Logger.Info("retransmission replaces failed delivery", slog.String("failed_id", claim.Superseded.ID))
	}
	m.emit(Event{Type: EventReceived, MessageID: x.MessageID(), Direction: x.Direction, CPAID: x.CPAID, Status: x.Status})
	return nil
}

func (m *MSH) verify(ctx context.Context, x *Exchange) error {
	typ := x.Type()
	switch {
	case typ == message.TypeSignalMessageError:
		x.Security = security.Result{OK: true}
		return nil
	case typ.IsSignal() && x.Agreement == nil:
		// No policy to enforce.
		x.Security = security.Result{OK: true}
		return nil
	}

	x.Security = m.enforcer.Verify(ctx, x.Package.Envelope, x.Envelope, typ, x.attachments(), x.Agreement)
	if !x.Security.OK {
		return securityError(x.Security)
	}
	return nil
}

// dispatch is the final branch on message type and duplicate status.
func (m *MSH) dispatch(ctx context.Context, x *Exchange) *Response {
	switch x.Type() {
	case message.TypeSignalMessage, message.TypeSignalMessageError, message.TypeSignalMessageWithUserMessage:
		if x.Claim.Duplicate {
			x.Logger.Info("ignoring duplicate signal")
			m.complete(ctx, x, storage.StatusIgnored, "duplicate signal")
			m.metrics.RecordDuplicate(ctx, x.CPAID)
			return noContent()
		}
		err := m.bus.InboundSignal.Publish(ctx, SignalReceived{
			MessageID: x.MessageID(),
			CPAID:     x.CPAID,
			Type:      x.Type(),
			Signal:    x.Signal,
		})
		if err != nil {
			return m.failInbound(ctx, x, internalError(fmt.Errorf("queue signal: %w", err)))
		}
		m.complete(ctx, x, storage.StatusDelivered, "")
		return noContent()

	case message.TypeUserMessage:
		if x.Claim.Duplicate {
			original := x.Claim.OriginalMessageID()
			x.Logger.Info("ignoring duplicate user message", slog.String("original_id", x.Claim.Original.ID))
			m.metrics.RecordDuplicate(ctx, x.CPAID)
			resp, err := m.receipt(ctx, x, original)
			if err != nil {
				return m.failInbound(ctx, x, err)
			}
			m.complete(ctx, x, storage.StatusIgnored, "duplicate of "+x.Claim.Original.ID)
			return resp
		}
		if err := m.extractPayloads(ctx, x); err != nil {
			return m.failInbound(ctx, x, AsStageError(err))
		}
		resp, err := m.receipt(ctx, x, "")
		if err != nil {
			return m.failInbound(ctx, x, err)
		}
		m.complete(ctx, x, storage.StatusDelivered, "")
		return resp
	}
	return m.failInbound(ctx, x, validationError(
		message.NewProtocolError(message.EbmsOther, "unsupported message type %s", x.Type())))
}

// receipt builds and signs the receipt for a user message and returns it
// in the response, or queues it for callback delivery. ref overrides the
// acknowledged message id for duplicates.
func (m *MSH) receipt(ctx context.Context, x *Exchange, ref string) (*Response, *StageError) {
	a := x.Agreement
	id := message.NewMessageID(m.domain)
	env := message.NewReceipt(x.Envelope, message.ReceiptOptions{
		MessageID:      id,
		RefToMessageID: ref,
		NonRepudiation: a.NonRepudiation() && x.Security.Signed,
		Domain:         m.domain,
	})
	signed, err := m.enforcer.Sign(ctx, env, message.TypeSignalMessage, nil, a)
	if err != nil {
		return nil, &StageError{Kind: KindSecurity, Code: security.ErrorCode(err), Err: fmt.Errorf("sign receipt: %w", err)}
	}
	body, contentType, err := mime.NewMessage(signed, env.SOAP, nil).Serialize()
	if err != nil {
		return nil, internalError(err)
	}

	refTo := ref
	if refTo == "" {
		refTo = x.MessageID()
	}
	rec := &storage.Message{
		ID:             uuid.NewString(),
		MessageID:      id,
		Direction:      storage.DirectionOutbound,
		Type:           message.TypeSignalMessage,
		CPAID:          a.CPAID,
		RefToMessageID: refTo,
		ConversationID: x.Header.ConversationID,
		Timestamp:      m.now().UTC(),
	}
	rec.UpdatedAt = rec.Timestamp

	if a.ReplyPattern() == cpa.ReplyResponse {
		rec.Status = storage.StatusSent
		if err := m.recordOutbound(ctx, rec, body, contentType); err != nil {
			return nil, internalError(err)
		}
		return &Response{StatusCode: http.StatusOK, ContentType: ContentTypeSOAP, Body: body}, nil
	}

	rec.Status = storage.StatusPending
	if err := m.recordOutbound(ctx, rec, body, contentType); err != nil {
		return nil, internalError(err)
	}
	err = m.bus.OutboundReceipt.Publish(ctx, Delivery{
		RecordID:    rec.ID,
		MessageID:   id,
		CPAID:       a.CPAID,
		Type:        message.TypeSignalMessage,
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return nil, internalError(fmt.Errorf("queue receipt: %w", err))
	}
	return noContent(), nil
}

func (m *MSH) recordOutbound(ctx context.Context, rec *storage.Message, body []byte, contentType string) error {
	ref, err := m.store.StoreRaw(ctx, body, contentType)
	if err != nil {
		return fmt.Errorf("store raw signal: %w", err)
	}
	rec.RawRef = ref
	if err := m.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("record signal %s: %w", rec.MessageID, err)
	}
	return nil
}

// complete moves the delivery record to a terminal state.
func (m *MSH) complete(ctx context.Context, x *Exchange, status storage.Status, description string) {
	x.Status = status
	if err := m.store.UpdateDelivery(ctx, x.ID, status, description); err != nil {
		x.Logger.Error("failed to update message status",
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}

	evt := EventDelivered
	if status == storage.StatusIgnored {
		evt = EventIgnored
	}
	m.emit(Event{Type: evt, MessageID: x.MessageID(), Direction: x.Direction, CPAID: x.CPAID, Status: status})
	x.Logger.Debug("inbound message processed", slog.String("status", string(status)))
}

// failInbound records a failed exchange and turns the error into the
// response for the sender.
func (m *MSH) failInbound(ctx context.Context, x *Exchange, se *StageError) *Response {
	// The claim stage sets the status once the record exists.
	recorded := x.Status != ""
	x.Status = storage.StatusFailed
	x.Logger.Error("inbound message failed",
		slog.String("kind", se.Kind.String()),
		slog.String("code", se.Code.Code),
		slog.String("error", se.Error()))
	m.metrics.RecordFailure(ctx, string(x.Direction), se.Kind.String(), se.Code.Code)

	if recorded {
		if err := m.store.UpdateDelivery(ctx, x.ID, storage.StatusFailed, se.Code.String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			x.Logger.Error("failed to update message status", slog.String("error", err.Error()))
		}
	}

	evt := Event{
		Type:      EventFailed,
		MessageID: x.MessageID(),
		Direction: x.Direction,
		CPAID:     x.CPAID,
		Status:    storage.StatusFailed,
		Code:      se.Code.Code,
		Error:     se.Error(),
	}
	if se.Kind == KindSecurity {
		evt.Type = EventSecurityError
		m.publishFailure(m.bus.SecurityError, Failure{
			Kind:      se.Kind,
			MessageID: x.MessageID(),
			Direction: x.Direction,
			CPAID:     x.CPAID,
			Code:      se.Code,
			Err:       se.Err,
			Timestamp: m.now().UTC(),
		})
		if x.Agreement != nil && x.Agreement.ReplyPattern() == cpa.ReplyCallback {
			m.emit(evt)
			return noContent()
		}
	}
	m.emit(evt)
	return m.faultResponse(x, se)
}

func (m *MSH) faultResponse(x *Exchange, se *StageError) *Response {
	soap := x.Classification.SOAPVersion
	// Only validation faults carry detail; security and internal faults
	// expose the code alone.
	var detail string
	if se.Kind == KindValidation {
		var pe *message.ProtocolError
		if errors.As(se.Err, &pe) {
			detail = pe.Detail
		}
	}
	env := message.NewErrorSignal(message.ErrorSignalOptions{
		SOAP:           soap,
		RefToMessageID: x.MessageID(),
		Code:           se.Code,
		Detail:         detail,
		Domain:         m.domain,
	})
	body, err := env.Bytes()
	if err != nil {
		x.Logger.Error("failed to render fault", slog.String("error", err.Error()))
		body = nil
	}
	return &Response{StatusCode: http.StatusInternalServerError, ContentType: ContentTypeSOAP, Body: body}
}

func noContent() *Response {
	return &Response{StatusCode: http.StatusNoContent, ContentType: ContentTypeSOAP}
}
