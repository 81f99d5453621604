package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/transport"
)

// Sender posts a serialized message to a partner endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint string, body []byte, contentType string) (*transport.Response, error)
}

// deliveryWorker drains the outbound-delivery and outbound-receipt queues.
func (m *MSH) deliveryWorker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.bus.OutboundDelivery.C():
			m.deliver(ctx, d)
		case d := <-m.bus.OutboundReceipt.C():
			m.deliver(ctx, d)
		}
	}
}

// deliver makes one delivery attempt. A failed attempt is rescheduled while
// the retry policy allows it. A final partner status, such as a 4xx, fails
// the delivery at once.
func (m *MSH) deliver(ctx context.Context, d Delivery) {
	ctx, span := m.tracer.Start(ctx, "msh.Deliver", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("ebms.message_id", d.MessageID),
		attribute.String("ebms.cpa_id", d.CPAID),
		attribute.Int("ebms.attempt", d.Attempt+1),
	)
	logger := m.logger.With(
		slog.String("direction", string(storage.DirectionOutbound)),
		slog.String("message_id", d.MessageID),
		slog.String("cpa_id", d.CPAID),
		slog.String("type", d.Type.String()))

	resp, err := m.send(ctx, &d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordDelivery(ctx, d.CPAID, "failed")

		d.Attempt++
		if ok, wait := d.Retry.Next(d.Attempt); ok && ctx.Err() == nil && transport.Retryable(err) {
			logger.Warn("delivery failed, retrying",
				slog.Int("attempt", d.Attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
			m.emit(Event{Type: EventRetry, MessageID: d.MessageID, Direction: storage.DirectionOutbound,
				CPAID: d.CPAID, Status: storage.StatusPending, Error: err.Error()})
			m.scheduleRetry(ctx, d, wait)
			return
		}
		m.deliveryFailed(ctx, logger, d, transportError(err))
		return
	}

	m.metrics.RecordDelivery(ctx, d.CPAID, "sent")
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	m.markSent(ctx, logger, d)
	logger.Info("message delivered", slog.Int("status_code", resp.StatusCode), slog.Int("attempt", d.Attempt+1))

	if len(resp.Body) > 0 && resp.StatusCode != http.StatusNoContent {
		// A body on the answer is a synchronous signal. It goes through the
		// inbound pipeline like any other delivery.
		r := m.Process(ctx, resp.Body, resp.ContentType)
		logger.Debug("processed synchronous response", slog.Int("status_code", r.StatusCode))
	}
}

func (m *MSH) send(ctx context.Context, d *Delivery) (*transport.Response, error) {
	if d.Endpoint == "" {
		a, err := m.agreements.FindByCPAID(d.CPAID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoAgreement, d.CPAID)
		}
		endpoint, err := m.resolver.ResolveEndpoint(ctx, a)
		if err != nil {
			return nil, err
		}
		d.Endpoint = endpoint
	}
	return m.transport.Send(ctx, d.Endpoint, d.Body, d.ContentType)
}

// markSent moves a PENDING record to SENT. A receipt that arrived before
// the HTTP answer has already settled the record and is left alone.
func (m *MSH) markSent(ctx context.Context, logger *slog.Logger, d Delivery) {
	if d.RecordID == "" {
		return
	}
	rec, err := m.store.FindByMessageID(ctx, d.MessageID, storage.DirectionOutbound)
	if err == nil && rec.ID == d.RecordID && rec.Status != storage.StatusPending {
		return
	}
	if err := m.store.UpdateDelivery(ctx, d.RecordID, storage.StatusSent, ""); err != nil {
		logger.Error("failed to update message status", slog.String("error", err.Error()))
		return
	}
	m.emit(Event{Type: EventSent, MessageID: d.MessageID, Direction: storage.DirectionOutbound,
		CPAID: d.CPAID, Status: storage.StatusSent})
}

func (m *MSH) scheduleRetry(ctx context.Context, d Delivery, wait time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.bus.OutboundDelivery.Publish(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("failed to requeue delivery",
				slog.String("message_id", d.MessageID),
				slog.String("error", err.Error()))
		}
	}()
}

func (m *MSH) deliveryFailed(ctx context.Context, logger *slog.Logger, d Delivery, se *StageError) {
	logger.Error("delivery failed",
		slog.Int("attempts", d.Attempt),
		slog.String("code", se.Code.Code),
		slog.String("error", se.Err.Error()))
	m.metrics.RecordFailure(ctx, string(storage.DirectionOutbound), se.Kind.String(), se.Code.Code)

	if d.RecordID != "" {
		description := se.Code.String() + ": " + se.Err.Error()
		if err := m.store.UpdateDelivery(ctx, d.RecordID, storage.StatusFailed, description); err != nil {
			logger.Error("failed to update message status", slog.String("error", err.Error()))
		}
	}
	m.publishFailure(m.bus.OutboundError, Failure{
		Kind:      se.Kind,
		MessageID: d.MessageID,
		Direction: storage.DirectionOutbound,
		CPAID:     d.CPAID,
		Code:      se.Code,
		Err:       se.Err,
		Timestamp: m.now().UTC(),
	})
	m.emit(Event{
		Type:      EventFailed,
		MessageID: d.MessageID,
		Direction: storage.DirectionOutbound,
		CPAID:     d.CPAID,
		Status:    storage.StatusFailed,
		Code:      se.Code.Code,
		Error:     se.Err.Error(),
	})
}
