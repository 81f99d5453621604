package msh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
	"github.com/pvanvliet16/jentrata-VIB/pkg/reliability"
)

// Recover requeues outbound messages and receipts still PENDING in the
// store, such as those interrupted by a restart. Call it once after Start
// and before accepting new work, otherwise a message may be sent twice.
// It returns the number of deliveries queued.
func (m *MSH) Recover(ctx context.Context) (int, error) {
	if !m.Running() {
		return 0, ErrMSHNotStarted
	}

	pending, err := m.store.FindByStatus(ctx, storage.DirectionOutbound, storage.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("find pending messages: %w", err)
	}

	queued := 0
	for _, rec := range pending {
		logger := m.logger.With(
			slog.String("direction", string(storage.DirectionOutbound)),
			slog.String("message_id", rec.MessageID))
		if rec.IsDuplicate() || rec.RawRef == "" {
			continue
		}
		body, contentType, err := m.store.FindRaw(ctx, rec.RawRef)
		if err != nil {
			logger.Error("cannot recover pending message", slog.String("error", err.Error()))
			continue
		}

		d := Delivery{
			RecordID:    rec.ID,
			MessageID:   rec.MessageID,
			CPAID:       rec.CPAID,
			Type:        rec.Type,
			Body:        body,
			ContentType: contentType,
		}
		q := m.bus.OutboundReceipt
		if rec.Type == message.TypeUserMessage {
			q = m.bus.OutboundDelivery
			if a, err := m.agreements.FindByCPAID(rec.CPAID); err == nil {
				d.Retry = reliability.NewRetryPolicy(a.ReceptionAwareness)
			}
		}
		if err := q.Publish(ctx, d); err != nil {
			return queued, fmt.Errorf("requeue %s: %w", rec.MessageID, err)
		}
		logger.Info("requeued pending message", slog.String("type", rec.Type.String()))
		queued++
	}
	return queued, nil
}
