// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	// Collections
	repository *mongo.Collection
	messages   *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// messageDoc adds the flag the unique claim index is filtered on.
type messageDoc struct {
	storage.Message `bson:",inline"`
	Original        bool `bson:"original"`
}

type rawDoc struct {
	Ref         string    `bson:"_id"`
	Data        []byte    `bson:"data"`
	ContentType string    `bson:"content_type"`
	Timestamp   time.Time `bson:"timestamp"`
}

type payloadMeta struct {
	MessageID       string             `bson:"message_id"`
	ContentID       string             `bson:"content_id,omitempty"`
	ContentType     string             `bson:"content_type"`
	Charset         string             `bson:"charset,omitempty"`
	CompressionType string             `bson:"compression_type,omitempty"`
	Schema          string             `bson:"schema,omitempty"`
	PartProperties  []message.Property `bson:"part_properties,omitempty"`
	MimeHeaders     map[string]string  `bson:"mime_headers,omitempty"`
	Checksum        string             `bson:"checksum"`
	CreatedAt       time.Time          `bson:"created_at"`
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = "jentrata"
	}
	db := client.Database(dbName)

	// Create GridFS bucket for payloads
	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "payloads"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:     client,
		db:         db,
		gridfs:     bucket,
		repository: db.Collection("repository"),
		messages:   db.Collection("messages"),
	}

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// One original per (message_id, direction); redeliveries are exempt.
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "direction", Value: 1}},
			Options: options.Index().
				SetName("original_message").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"original": true}),
		},
		{Keys: bson.D{{Key: "direction", Value: 1}, {Key: "status", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// RawStore implementation

func (s *Store) StoreRaw(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := storage.RawRef(data)
	_, err := s.repository.InsertOne(ctx, rawDoc{
		Ref:         ref,
		Data:        data,
		ContentType: contentType,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("storing raw message: %w", err)
	}
	return ref, nil
}

func (s *Store) FindRaw(ctx context.Context, ref string) ([]byte, string, error) {
	var doc rawDoc
	err := s.repository.FindOne(ctx, bson.M{"_id": ref}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, "", fmt.Errorf("raw %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return doc.Data, doc.ContentType, nil
}

// MessageStore implementation

func (s *Store) Insert(ctx context.Context, msg *storage.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message record has no ID")
	}
	now := time.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.UpdatedAt = now

	_, err := s.messages.InsertOne(ctx, messageDoc{Message: *msg, Original: !msg.IsDuplicate()})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s/%s: %w", msg.Direction, msg.MessageID, storage.ErrDuplicateMessage)
	}
	return err
}

// Supersede demotes the failed original first. Its filter admits one
// concurrent caller, which then owns the free slot in the unique index.
func (s *Store) Supersede(ctx context.Context, msg *storage.Message, failedID string) error {
	if msg.ID == "" || msg.IsDuplicate() {
		return fmt.Errorf("supersede: record must be a new original")
	}
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": failedID, "original": true, "status": storage.StatusFailed},
		bson.M{"$set": bson.M{
			"original":     false,
			"duplicate_of": msg.ID,
			"updated_at":   time.Now().UTC(),
		}})
	if err != nil {
		return fmt.Errorf("demoting failed message: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", msg.Direction, msg.MessageID, storage.ErrDuplicateMessage)
	}
	return s.Insert(ctx, msg)
}

func (s *Store) Update(ctx context.Context, messageID string, direction storage.Direction, status storage.Status, description string) error {
	filter := bson.M{"message_id": messageID, "direction": direction, "original": true}
	return s.transition(ctx, filter, status, description)
}

func (s *Store) UpdateDelivery(ctx context.Context, id string, status storage.Status, description string) error {
	return s.transition(ctx, bson.M{"_id": id}, status, description)
}

func (s *Store) transition(ctx context.Context, filter bson.M, status storage.Status, description string) error {
	res, err := s.messages.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"status":             status,
			"status_description": description,
			"updated_at":         time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %v: %w", filter, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) FindByMessageID(ctx context.Context, messageID string, direction storage.Direction) (*storage.Message, error) {
	var doc messageDoc
	err := s.messages.FindOne(ctx, bson.M{"message_id": messageID, "direction": direction, "original": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", direction, messageID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &doc.Message, nil
}

func (s *Store) FindByStatus(ctx context.Context, direction storage.Direction, status storage.Status) ([]*storage.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"direction": direction, "status": status}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*storage.Message, 0, len(docs))
	for i := range docs {
		out = append(out, &docs[i].Message)
	}
	return out, nil
}

// PayloadStore implementation using GridFS

func (s *Store) StorePayload(ctx context.Context, payload *storage.Payload) error {
	if payload.ID == "" {
		return fmt.Errorf("payload has no ID")
	}
	// Calculate checksum if not provided
	if payload.Checksum == "" {
		payload.Checksum = storage.Checksum(payload.Content)
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}

	// Replace any previous content stored under the same id.
	if err := s.gridfs.Delete(payload.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return fmt.Errorf("replacing payload: %w", err)
	}

	// Store in GridFS with metadata
	filename := fmt.Sprintf("%s/%s", payload.MessageID, payload.ID)
	uploadOpts := options.GridFSUpload().SetMetadata(payloadMeta{
		MessageID:       payload.MessageID,
		ContentID:       payload.ContentID,
		ContentType:     payload.ContentType,
		Charset:         payload.Charset,
		CompressionType: payload.CompressionType,
		Schema:          payload.Schema,
		PartProperties:  payload.PartProperties,
		MimeHeaders:     payload.MimeHeaders,
		Checksum:        payload.Checksum,
		CreatedAt:       payload.CreatedAt,
	})
	if err := s.gridfs.UploadFromStreamWithID(payload.ID, filename, bytes.NewReader(payload.Content), uploadOpts); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

func (s *Store) FindPayload(ctx context.Context, id string) (*storage.Payload, error) {
	downloadStream, err := s.gridfs.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, fmt.Errorf("payload %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer downloadStream.Close()

	data, err := io.ReadAll(downloadStream)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	var meta payloadMeta
	if raw := downloadStream.GetFile().Metadata; len(raw) > 0 {
		if err := bson.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decoding payload metadata: %w", err)
		}
	}

	return &storage.Payload{
		ID:              id,
		MessageID:       meta.MessageID,
		ContentID:       meta.ContentID,
		ContentType:     meta.ContentType,
		Charset:         meta.Charset,
		CompressionType: meta.CompressionType,
		Schema:          meta.Schema,
		PartProperties:  meta.PartProperties,
		MimeHeaders:     meta.MimeHeaders,
		Content:         data,
		Checksum:        meta.Checksum,
		CreatedAt:       meta.CreatedAt,
	}, nil
}

var _ storage.Store = (*Store)(nil)
