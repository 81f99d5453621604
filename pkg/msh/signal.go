package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// signalWorker correlates inbound receipts and errors with outbound
// messages.
func (m *MSH) signalWorker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.bus.InboundSignal.C():
			if err := m.Correlate(ctx, s); err != nil {
				m.logger.Error("signal correlation failed",
					slog.Int("worker", id),
					slog.String("message_id", s.MessageID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Correlate applies a signal to the outbound message it references. A
// receipt marks it DELIVERED; an error marks it FAILED with the partner's
// code and description. Signals that reference no known message are
// logged and dropped.
func (m *MSH) Correlate(ctx context.Context, s SignalReceived) error {
	logger := m.logger.With(
		slog.String("message_id", s.MessageID),
		slog.String("cpa_id", s.CPAID))
	if s.Signal == nil || s.Signal.RefToMessageID == "" {
		logger.Warn("signal without RefToMessageId")
		return nil
	}
	ref := s.Signal.RefToMessageID
	logger = logger.With(slog.String("ref_to_message_id", ref))

	rec, err := m.store.FindByMessageID(ctx, ref, storage.DirectionOutbound)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("signal references unknown message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find %s: %w", ref, err)
	}

	if len(s.Signal.Errors) > 0 {
		se := s.Signal.Errors[0]
		code, ok := message.LookupError(se.Code)
		if !ok {
			code = message.EbmsError{Code: se.Code, ShortDescription: se.ShortDescription, Description: se.Description}
		}
		description := se.Description
		if description == "" {
			description = se.ShortDescription
		}
		if err := m.store.Update(ctx, ref, storage.DirectionOutbound, storage.StatusFailed, se.Code+": "+description); err != nil {
			return fmt.Errorf("update %s: %w", ref, err)
		}
		logger.Error("partner reported error", slog.String("code", se.Code), slog.String("description", description))
		m.publishFailure(m.bus.OutboundError, Failure{
			Kind:      KindTransport,
			MessageID: ref,
			Direction: storage.DirectionOutbound,
			CPAID:     rec.CPAID,
			Code:      code,
			Err:       fmt.Errorf("partner error %s: %s", se.Code, description),
			Timestamp: m.now().UTC(),
		})
		m.emit(Event{Type: EventFailed, MessageID: ref, Direction: storage.DirectionOutbound,
			CPAID: rec.CPAID, Status: storage.StatusFailed, Code: se.Code, Error: description})
		return nil
	}

	if !s.Signal.Receipt {
		logger.Debug("signal carries neither receipt nor error")
		return nil
	}
	if err := m.store.Update(ctx, ref, storage.DirectionOutbound, storage.StatusDelivered, "receipt "+s.MessageID); err != nil {
		return fmt.Errorf("update %s: %w", ref, err)
	}
	logger.Info("receipt correlated")
	m.emit(Event{Type: EventCorrelated, MessageID: ref, Direction: storage.DirectionOutbound,
		CPAID: rec.CPAID, Status: storage.StatusDelivered})
	return nil
}
