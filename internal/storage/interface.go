// Package storage provides the message store used by the message service
// handler.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [RawStore]: content-addressed envelope bytes (claim-check)
//   - [MessageStore]: per-delivery message records and status transitions
//   - [PayloadStore]: extracted payloads, retrievable by payload id
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Duplicate Claims
//
// Every delivery gets its own record. The first record for a
// (MessageID, Direction) pair is the original; inserting a second original
// fails with [ErrDuplicateMessage] and the caller stores the redelivery with
// DuplicateOf pointing at the original record. Implementations enforce this
// with a unique constraint so two concurrent deliveries can never both win.
// A FAILED original gives up its place to the next delivery through
// Supersede, so a retransmission after a failure is processed again.
//
// # Implementations
//
// The memory, mongodb and postgres sub-packages implement [Store]. The
// storagetest package holds the conformance suite they all run.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("message already recorded")
)

// Store is the main storage interface combining all sub-stores
type Store interface {
	RawStore
	MessageStore
	PayloadStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// RawStore keeps raw envelope bytes under a content-derived reference.
type RawStore interface {
	// StoreRaw stores data and returns its reference. Storing the same
	// bytes twice returns the same reference.
	StoreRaw(ctx context.Context, data []byte, contentType string) (string, error)

	// FindRaw returns the bytes and content type stored under ref.
	FindRaw(ctx context.Context, ref string) ([]byte, string, error)
}

// MessageStore manages message records
type MessageStore interface {
	// Insert stores a new record. An original record (empty DuplicateOf)
	// whose (MessageID, Direction) is already taken fails with
	// ErrDuplicateMessage.
	Insert(ctx context.Context, msg *Message) error

	// Supersede makes msg the original for its (MessageID, Direction) in
	// place of the FAILED record failedID, which is kept as a redelivery of
	// msg. It fails with ErrDuplicateMessage when failedID is no longer the
	// original or is not FAILED.
	Supersede(ctx context.Context, msg *Message, failedID string) error

	// Update transitions the original record for (messageID, direction).
	Update(ctx context.Context, messageID string, direction Direction, status Status, description string) error

	// UpdateDelivery transitions one delivery record by its record ID.
	UpdateDelivery(ctx context.Context, id string, status Status, description string) error

	// FindByMessageID returns the original record for (messageID, direction).
	FindByMessageID(ctx context.Context, messageID string, direction Direction) (*Message, error)

	// FindByStatus returns the records in the given state, oldest first.
	FindByStatus(ctx context.Context, direction Direction, status Status) ([]*Message, error)
}

// PayloadStore manages extracted payloads
type PayloadStore interface {
	// StorePayload stores a payload under its ID, replacing any previous
	// content.
	StorePayload(ctx context.Context, payload *Payload) error

	// FindPayload retrieves a payload by ID
	FindPayload(ctx context.Context, id string) (*Payload, error)
}

// Direction is the message box a record belongs to.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Status is the processing state of a message record.
type Status string

const (
	StatusReceived  Status = "RECEIVED"  // Inbound, accepted for processing
	StatusDelivered Status = "DELIVERED" // Inbound payloads accepted, or outbound acknowledged
	StatusIgnored   Status = "IGNORED"   // Duplicate delivery
	StatusFailed    Status = "FAILED"    // Validation, security or delivery failure
	StatusPending   Status = "PENDING"   // Outbound, queued for delivery
	StatusSent      Status = "SENT"      // Outbound, accepted by the partner
)

// Message is one inbound or outbound delivery.
type Message struct {
	// ID identifies this delivery record.
	ID                string              `bson:"_id" json:"id"`
	MessageID         string              `bson:"message_id" json:"messageId"`
	Direction         Direction           `bson:"direction" json:"direction"`
	Type              message.MessageType `bson:"type" json:"type"`
	CPAID             string              `bson:"cpa_id" json:"cpaId"`
	RefToMessageID    string              `bson:"ref_to_message_id,omitempty" json:"refToMessageId,omitempty"`
	ConversationID    string              `bson:"conversation_id,omitempty" json:"conversationId,omitempty"`
	Status            Status              `bson:"status" json:"status"`
	StatusDescription string              `bson:"status_description,omitempty" json:"statusDescription,omitempty"`
	// RawRef is the RawStore reference of the envelope bytes.
	RawRef string `bson:"raw_ref,omitempty" json:"rawRef,omitempty"`
	// DuplicateOf is the record ID of the original delivery.
	DuplicateOf string    `bson:"duplicate_of,omitempty" json:"duplicateOf,omitempty"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"`
}

// IsDuplicate reports whether the record is a redelivery.
func (m *Message) IsDuplicate() bool {
	return m.DuplicateOf != ""
}

// Payload is one extracted MIME part of a user message.
type Payload struct {
	ID              string             `json:"id"`
	MessageID       string             `json:"messageId"`
	ContentID       string             `json:"contentId,omitempty"`
	ContentType     string             `json:"contentType"`
	Charset         string             `json:"charset,omitempty"`
	CompressionType string             `json:"compressionType,omitempty"`
	Schema          string             `json:"schema,omitempty"`
	PartProperties  []message.Property `json:"partProperties,omitempty"`
	MimeHeaders     map[string]string  `json:"mimeHeaders,omitempty"`
	Content         []byte             `json:"-"`
	Checksum        string             `json:"checksum"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// RawRef returns the content-derived reference of data.
func RawRef(data []byte) string {
	return "sha256:" + Checksum(data)
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
