// Package postgres implements storage interfaces using PostgreSQL through a
// pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Config holds PostgreSQL connection settings
type Config struct {
	DSN      string
	MaxConns int32
}

// Store implements storage.Store using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to PostgreSQL and applies the schema.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the pool
func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// RawStore implementation

func (s *Store) StoreRaw(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := storage.RawRef(data)
	const insertSQL = `
INSERT INTO repository (ref, data, content_type, time_stamp)
VALUES ($1, $2, $3, $4)
ON CONFLICT (ref) DO NOTHING;
`
	if _, err := s.pool.Exec(ctx, insertSQL, ref, data, contentType, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("postgres: store raw: %w", err)
	}
	return ref, nil
}

func (s *Store) FindRaw(ctx context.Context, ref string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := s.pool.QueryRow(ctx, `SELECT data, content_type FROM repository WHERE ref = $1`, ref).
		Scan(&data, &contentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("raw %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("postgres: find raw: %w", err)
	}
	return data, contentType, nil
}

// MessageStore implementation

const messageColumns = `id, message_id, message_box, message_type, cpa_id, ref_to_message_id,
conversation_id, status, status_description, raw_ref, COALESCE(duplicate_of, ''), time_stamp, updated_at`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) Insert(ctx context.Context, msg *storage.Message) error {
	return insertMessage(ctx, s.pool, msg)
}

func (s *Store) Supersede(ctx context.Context, msg *storage.Message, failedID string) error {
	if msg.ID == "" || msg.IsDuplicate() {
		return fmt.Errorf("supersede: record must be a new original")
	}
	const demoteSQL = `
UPDATE message SET duplicate_of = $2, updated_at = $3
WHERE id = $1 AND duplicate_of IS NULL AND status = 'FAILED';
`
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, demoteSQL, failedID, msg.ID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("postgres: demote failed message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s/%s: %w", msg.Direction, msg.MessageID, storage.ErrDuplicateMessage)
		}
		return insertMessage(ctx, tx, msg)
	})
}

func insertMessage(ctx context.Context, db execer, msg *storage.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message record has no ID")
	}
	now := time.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.UpdatedAt = now

	const insertSQL = `
INSERT INTO message (id, message_id, message_box, message_type, cpa_id, ref_to_message_id,
    conversation_id, status, status_description, raw_ref, duplicate_of, time_stamp, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13);
`
	_, err := db.Exec(ctx, insertSQL,
		msg.ID, msg.MessageID, string(msg.Direction), int(msg.Type), msg.CPAID, msg.RefToMessageID,
		msg.ConversationID, string(msg.Status), msg.StatusDescription, msg.RawRef, msg.DuplicateOf,
		msg.Timestamp, msg.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s/%s: %w", msg.Direction, msg.MessageID, storage.ErrDuplicateMessage)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, messageID string, direction storage.Direction, status storage.Status, description string) error {
	const updateSQL = `
UPDATE message SET status = $3, status_description = $4, updated_at = $5
WHERE message_id = $1 AND message_box = $2 AND duplicate_of IS NULL;
`
	tag, err := s.pool.Exec(ctx, updateSQL, messageID, string(direction), string(status), description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", direction, messageID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, id string, status storage.Status, description string) error {
	const updateSQL = `
UPDATE message SET status = $2, status_description = $3, updated_at = $4
WHERE id = $1;
`
	tag, err := s.pool.Exec(ctx, updateSQL, id, string(status), description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) FindByMessageID(ctx context.Context, messageID string, direction storage.Direction) (*storage.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message
WHERE message_id = $1 AND message_box = $2 AND duplicate_of IS NULL`,
		messageID, string(direction))
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", direction, messageID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find message: %w", err)
	}
	return msg, nil
}

func (s *Store) FindByStatus(ctx context.Context, direction storage.Direction, status storage.Status) ([]*storage.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM message
WHERE message_box = $1 AND status = $2
ORDER BY time_stamp, id`,
		string(direction), string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: find by status: %w", err)
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*storage.Message, error) {
	var (
		msg       storage.Message
		direction string
		msgType   int
		status    string
	)
	err := row.Scan(&msg.ID, &msg.MessageID, &direction, &msgType, &msg.CPAID, &msg.RefToMessageID,
		&msg.ConversationID, &status, &msg.StatusDescription, &msg.RawRef, &msg.DuplicateOf,
		&msg.Timestamp, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.Direction = storage.Direction(direction)
	msg.Type = message.MessageType(msgType)
	msg.Status = storage.Status(status)
	msg.Timestamp = msg.Timestamp.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return &msg, nil
}

// PayloadStore implementation

func (s *Store) StorePayload(ctx context.Context, payload *storage.Payload) error {
	if payload.ID == "" {
		return fmt.Errorf("payload has no ID")
	}
	if payload.Checksum == "" {
		payload.Checksum = storage.Checksum(payload.Content)
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}

	props, err := json.Marshal(payload.PartProperties)
	if err != nil {
		return fmt.Errorf("postgres: marshal part properties: %w", err)
	}
	headers, err := json.Marshal(payload.MimeHeaders)
	if err != nil {
		return fmt.Errorf("postgres: marshal mime headers: %w", err)
	}

	const upsertSQL = `
INSERT INTO payload (id, message_id, content_id, content_type, charset, compression_type,
    schema_location, part_properties, mime_headers, content, checksum, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    message_id = EXCLUDED.message_id,
    content_id = EXCLUDED.content_id,
    content_type = EXCLUDED.content_type,
    charset = EXCLUDED.charset,
    compression_type = EXCLUDED.compression_type,
    schema_location = EXCLUDED.schema_location,
    part_properties = EXCLUDED.part_properties,
    mime_headers = EXCLUDED.mime_headers,
    content = EXCLUDED.content,
    checksum = EXCLUDED.checksum;
`
	_, err = s.pool.Exec(ctx, upsertSQL,
		payload.ID, payload.MessageID, payload.ContentID, payload.ContentType, payload.Charset,
		payload.CompressionType, payload.Schema, string(props), string(headers), payload.Content,
		payload.Checksum, payload.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: store payload: %w", err)
	}
	return nil
}

func (s *Store) FindPayload(ctx context.Context, id string) (*storage.Payload, error) {
	var (
		p       storage.Payload
		props   []byte
		headers []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, message_id, content_id, content_type, charset, compression_type, schema_location,
    part_properties, mime_headers, content, checksum, created_at
FROM payload WHERE id = $1`, id).Scan(
		&p.ID, &p.MessageID, &p.ContentID, &p.ContentType, &p.Charset, &p.CompressionType, &p.Schema,
		&props, &headers, &p.Content, &p.Checksum, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payload %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find payload: %w", err)
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &p.PartProperties); err != nil {
			return nil, fmt.Errorf("postgres: decode part properties: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &p.MimeHeaders); err != nil {
			return nil, fmt.Errorf("postgres: decode mime headers: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

var _ storage.Store = (*Store)(nil)
