package msh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/compression"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// extractPayloads turns the SOAP body and every attachment of a user
// message into stored payloads, and announces each one on the payload
// queue. Gzip-compressed parts are stored decompressed.
func (m *MSH) extractPayloads(ctx context.Context, x *Exchange) error {
	parts, err := x.Package.Correlate(x.Header)
	if err != nil {
		return validationError(err)
	}
	now := m.now().UTC()

	var payloads []*storage.Payload
	if el := x.Envelope.BodyPayload(); el != nil {
		doc := etree.NewDocument()
		message.ImportElement(&doc.Element, el)
		data, err := doc.WriteToBytes()
		if err != nil {
			return internalError(fmt.Errorf("render body payload: %w", err))
		}
		pi, _ := x.Header.PartByContentID("")
		charset := pi.Property(message.PropCharacterSet)
		if charset == "" {
			charset = message.DefaultCharset
		}
		payloads = append(payloads, &storage.Payload{
			ID:             uuid.NewString(),
			MessageID:      x.MessageID(),
			ContentID:      message.DefaultPayloadID,
			ContentType:    "application/xml",
			Charset:        charset,
			PartProperties: pi.Properties,
			Content:        data,
			Checksum:       storage.Checksum(data),
			CreatedAt:      now,
		})
	}

	for _, c := range parts {
		data := c.Part.Data
		contentType := c.Part.ContentType
		compressionType := c.PartInfo.Property(message.PropCompressionType)
		if compression.IsGzip(compressionType) {
			data, err = m.compressor.Decompress(data)
			if err != nil {
				return validationError(message.NewProtocolError(message.EbmsDecompressionFailure,
					"part %s: %v", c.Part.ContentID, err))
			}
			if mt := c.PartInfo.Property(message.PropMimeType); mt != "" {
				contentType = mt
			}
		}

		headers := make(map[string]string, len(c.Part.Headers))
		for key := range c.Part.Headers {
			headers[key] = c.Part.Headers.Get(key)
		}
		payloads = append(payloads, &storage.Payload{
			ID:              uuid.NewString(),
			MessageID:       x.MessageID(),
			ContentID:       c.Part.ContentID,
			ContentType:     contentType,
			Charset:         c.PartInfo.Property(message.PropCharacterSet),
			CompressionType: compressionType,
			PartProperties:  c.PartInfo.Properties,
			MimeHeaders:     headers,
			Content:         data,
			Checksum:        storage.Checksum(data),
			CreatedAt:       now,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range payloads {
		g.Go(func() error {
			if err := m.store.StorePayload(gctx, p); err != nil {
				return fmt.Errorf("store payload %s: %w", p.ContentID, err)
			}
			return m.bus.InboundPayload.Publish(gctx, PayloadAvailable{
				MessageID: x.MessageID(),
				CPAID:     x.CPAID,
				Service:   x.Header.Service,
				Action:    x.Header.Action,
				Payload:   p,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return internalError(err)
	}

	x.Payloads = payloads
	m.metrics.RecordPayloads(ctx, x.CPAID, len(payloads))
	x.Logger.Debug("payloads extracted", slog.Int("count", len(payloads)))
	return nil
}

// payloadWorker hands extracted payloads to the configured handler.
func (m *MSH) payloadWorker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.bus.InboundPayload.C():
			if m.payloadHandler == nil {
				m.logger.Debug("payload available",
					slog.Int("worker", id),
					slog.String("message_id", p.MessageID),
					slog.String("payload_id", p.Payload.ID))
				continue
			}
			if err := m.payloadHandler(ctx, p); err != nil {
				m.logger.Error("payload handler failed",
					slog.Int("worker", id),
					slog.String("message_id", p.MessageID),
					slog.String("payload_id", p.Payload.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}
