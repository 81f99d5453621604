// Package storagetest holds the conformance suite every storage.Store
// implementation runs.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// Run exercises store. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"RawStore", testRawStore},
		{"InsertAndFind", testInsertAndFind},
		{"DuplicateOriginal", testDuplicateOriginal},
		{"Supersede", testSupersede},
		{"Update", testUpdate},
		{"FindByStatus", testFindByStatus},
		{"Payloads", testPayloads},
		{"ConcurrentClaim", testConcurrentClaim},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			require.NoError(t, s.Ping(context.Background()))
			tc.fn(t, s)
		})
	}
}

// NewRecord returns an inbound user message record with a fresh record ID.
func NewRecord(messageID string) *storage.Message {
	return &storage.Message{
		ID:             uuid.NewString(),
		MessageID:      messageID,
		Direction:      storage.DirectionInbound,
		Type:           message.TypeUserMessage,
		CPAID:          "testCPAId1",
		ConversationID: "test",
		Status:         storage.StatusReceived,
		Timestamp:      time.Now().UTC(),
	}
}

func uniqueID() string {
	return uuid.NewString() + "@jentrata.test"
}

func testRawStore(t *testing.T, s storage.Store) {
	ctx := context.Background()
	data := []byte("<env:Envelope/>")

	ref, err := s.StoreRaw(ctx, data, "application/soap+xml")
	require.NoError(t, err)
	assert.Equal(t, storage.RawRef(data), ref)

	again, err := s.StoreRaw(ctx, data, "application/soap+xml")
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, contentType, err := s.FindRaw(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "application/soap+xml", contentType)

	_, _, err = s.FindRaw(ctx, storage.RawRef([]byte("missing")))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testInsertAndFind(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := NewRecord(uniqueID())
	rec.RefToMessageID = "ref@jentrata.test"
	rec.RawRef = storage.RawRef([]byte("x"))
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.FindByMessageID(ctx, rec.MessageID, storage.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.MessageID, got.MessageID)
	assert.Equal(t, message.TypeUserMessage, got.Type)
	assert.Equal(t, "testCPAId1", got.CPAID)
	assert.Equal(t, "ref@jentrata.test", got.RefToMessageID)
	assert.Equal(t, "test", got.ConversationID)
	assert.Equal(t, storage.StatusReceived, got.Status)
	assert.Equal(t, rec.RawRef, got.RawRef)
	assert.False(t, got.IsDuplicate())
	assert.WithinDuration(t, rec.Timestamp, got.Timestamp, time.Second)

	_, err = s.FindByMessageID(ctx, rec.MessageID, storage.DirectionOutbound)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.FindByMessageID(ctx, uniqueID(), storage.DirectionInbound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicateOriginal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID()
	first := NewRecord(id)
	require.NoError(t, s.Insert(ctx, first))

	second := NewRecord(id)
	assert.ErrorIs(t, s.Insert(ctx, second), storage.ErrDuplicateMessage)

	// The other direction is a separate message box.
	outbound := NewRecord(id)
	outbound.Direction = storage.DirectionOutbound
	require.NoError(t, s.Insert(ctx, outbound))

	second.DuplicateOf = first.ID
	second.Status = storage.StatusIgnored
	require.NoError(t, s.Insert(ctx, second))

	got, err := s.FindByMessageID(ctx, id, storage.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "lookups return the original delivery")

	ignored, err := s.FindByStatus(ctx, storage.DirectionInbound, storage.StatusIgnored)
	require.NoError(t, err)
	found := false
	for _, m := range ignored {
		if m.ID == second.ID {
			found = true
			assert.Equal(t, first.ID, m.DuplicateOf)
		}
	}
	assert.True(t, found)
}

func testSupersede(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID()
	failed := NewRecord(id)
	require.NoError(t, s.Insert(ctx, failed))

	retry := NewRecord(id)
	err := s.Supersede(ctx, retry, failed.ID)
	assert.ErrorIs(t, err, storage.ErrDuplicateMessage, "only a FAILED original can be superseded")

	require.NoError(t, s.UpdateDelivery(ctx, failed.ID, storage.StatusFailed, "EBMS:0101"))
	require.NoError(t, s.Supersede(ctx, retry, failed.ID))

	got, err := s.FindByMessageID(ctx, id, storage.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, got.ID)
	assert.Equal(t, storage.StatusReceived, got.Status)

	late := NewRecord(id)
	err = s.Supersede(ctx, late, failed.ID)
	assert.ErrorIs(t, err, storage.ErrDuplicateMessage, "the slot is already taken")
	assert.ErrorIs(t, s.Insert(ctx, NewRecord(id)), storage.ErrDuplicateMessage)

	stillFailed, err := s.FindByStatus(ctx, storage.DirectionInbound, storage.StatusFailed)
	require.NoError(t, err)
	var found bool
	for _, rec := range stillFailed {
		if rec.ID == failed.ID {
			found = true
			assert.Equal(t, retry.ID, rec.DuplicateOf)
		}
	}
	assert.True(t, found, "the failed delivery is kept")
}

func testUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := NewRecord(uniqueID())
	require.NoError(t, s.Insert(ctx, rec))

	require.NoError(t, s.Update(ctx, rec.MessageID, storage.DirectionInbound, storage.StatusDelivered, "payloads accepted"))
	got, err := s.FindByMessageID(ctx, rec.MessageID, storage.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, got.Status)
	assert.Equal(t, "payloads accepted", got.StatusDescription)

	require.NoError(t, s.UpdateDelivery(ctx, rec.ID, storage.StatusFailed, "EBMS:0101"))
	got, err = s.FindByMessageID(ctx, rec.MessageID, storage.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "EBMS:0101", got.StatusDescription)

	err = s.Update(ctx, uniqueID(), storage.DirectionInbound, storage.StatusDelivered, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.UpdateDelivery(ctx, uuid.NewString(), storage.StatusDelivered, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testFindByStatus(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := NewRecord(uniqueID())
		rec.Direction = storage.DirectionOutbound
		rec.Status = storage.StatusPending
		rec.Timestamp = base.Add(time.Duration(2-i) * time.Minute)
		require.NoError(t, s.Insert(ctx, rec))
		ids = append([]string{rec.ID}, ids...)
	}
	other := NewRecord(uniqueID())
	other.Status = storage.StatusPending
	require.NoError(t, s.Insert(ctx, other))

	got, err := s.FindByStatus(ctx, storage.DirectionOutbound, storage.StatusPending)
	require.NoError(t, err)
	var gotIDs []string
	for _, m := range got {
		assert.Equal(t, storage.DirectionOutbound, m.Direction)
		gotIDs = append(gotIDs, m.ID)
	}
	assert.Equal(t, ids, gotIDs, "oldest first")

	none, err := s.FindByStatus(ctx, storage.DirectionOutbound, storage.StatusSent)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPayloads(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := &storage.Payload{
		ID:              uuid.NewString(),
		MessageID:       "ABC123@jentrata.org",
		ContentID:       "payload-1@jentrata.org",
		ContentType:     "application/xml",
		Charset:         "UTF-8",
		CompressionType: message.CompressionGzip,
		Schema:          "urn:test:schema",
		PartProperties:  []message.Property{{Name: "MimeType", Value: "application/xml"}},
		MimeHeaders:     map[string]string{"Content-Transfer-Encoding": "binary"},
		Content:         []byte("<Invoice>42</Invoice>"),
	}
	require.NoError(t, s.StorePayload(ctx, p))

	got, err := s.FindPayload(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Content, got.Content)
	assert.Equal(t, p.MessageID, got.MessageID)
	assert.Equal(t, p.ContentID, got.ContentID)
	assert.Equal(t, p.ContentType, got.ContentType)
	assert.Equal(t, p.Charset, got.Charset)
	assert.Equal(t, p.CompressionType, got.CompressionType)
	assert.Equal(t, p.Schema, got.Schema)
	assert.Equal(t, p.PartProperties, got.PartProperties)
	assert.Equal(t, p.MimeHeaders, got.MimeHeaders)
	assert.Equal(t, storage.Checksum(p.Content), got.Checksum)

	p.Content = []byte("<Invoice>43</Invoice>")
	p.Checksum = ""
	require.NoError(t, s.StorePayload(ctx, p))
	got, err = s.FindPayload(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("<Invoice>43</Invoice>"), got.Content)

	_, err = s.FindPayload(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID()

	const workers = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.Insert(ctx, NewRecord(id))
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, storage.ErrDuplicateMessage):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}
