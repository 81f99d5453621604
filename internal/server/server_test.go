package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvanvliet16/jentrata-VIB/internal/auth"
	"github.com/pvanvliet16/jentrata-VIB/internal/config"
	"github.com/pvanvliet16/jentrata-VIB/internal/keystore"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage/memory"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
	"github.com/pvanvliet16/jentrata-VIB/pkg/msh"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeHandler struct {
	process func(body []byte, contentType string) *msh.Response
	submit  func(sub *msh.Submission) (*storage.Message, error)
}

func (f *fakeHandler) Process(_ context.Context, body []byte, contentType string) *msh.Response {
	return f.process(body, contentType)
}

func (f *fakeHandler) Submit(_ context.Context, sub *msh.Submission) (*storage.Message, error) {
	return f.submit(sub)
}

type agreementList []*cpa.PartnerAgreement

func (l agreementList) All() []*cpa.PartnerAgreement { return l }

type keyList []keystore.KeyInfo

func (l keyList) ListKeys() ([]keystore.KeyInfo, error) { return l, nil }

type downStore struct {
	*memory.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func testConfig(admin bool) *config.Config {
	cfg := config.Default()
	cfg.Server.MaxBodyBytes = 1024
	if admin {
		cfg.Server.Admin = config.AdminConfig{
			Enabled:   true,
			JWTSecret: "test-secret",
			Issuer:    "jentrata",
		}
	}
	return cfg
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig(true)
	}
	if opts.Store == nil {
		opts.Store = memory.NewStore()
	}
	if opts.Handler == nil {
		opts.Handler = &fakeHandler{
			process: func([]byte, string) *msh.Response {
				return &msh.Response{StatusCode: http.StatusNoContent}
			},
		}
	}
	opts.Logger = discard
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func token(t *testing.T, cfg *config.Config, scopes ...string) string {
	t.Helper()
	tok, err := auth.NewAuthenticator(cfg.Server.Admin, discard).IssueToken("ops", scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, bearer string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_Requires(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Config: testConfig(false)})
	assert.Error(t, err)
}

func TestInbound_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Options{})
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec := do(s, method, "/jentrata/ebms/inbound", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
		assert.Equal(t, msh.ContentTypeSOAP, rec.Header().Get("Content-Type"))
		assert.Empty(t, rec.Body.Bytes())
	}
}

func TestInbound_Process(t *testing.T) {
	var gotBody []byte
	var gotType string
	h := &fakeHandler{
		process: func(body []byte, contentType string) *msh.Response {
			gotBody, gotType = body, contentType
			return &msh.Response{
				StatusCode:  http.StatusOK,
				ContentType: "application/soap+xml",
				Body:        []byte("<receipt/>"),
			}
		},
	}
	s := newTestServer(t, Options{Handler: h})

	req := httptest.NewRequest(http.MethodPost, "/jentrata/ebms/inbound", strings.NewReader("<env/>"))
	req.Header.Set("Content-Type", "application/soap+xml; charset=UTF-8")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/soap+xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<receipt/>", rec.Body.String())
	assert.Equal(t, []byte("<env/>"), gotBody)
	assert.Equal(t, "application/soap+xml; charset=UTF-8", gotType)
}

func TestInbound_NoContent(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := do(s, http.MethodPost, "/jentrata/ebms/inbound", "", strings.NewReader("<env/>"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestInbound_BodyTooLarge(t *testing.T) {
	called := false
	h := &fakeHandler{process: func([]byte, string) *msh.Response {
		called = true
		return &msh.Response{StatusCode: http.StatusNoContent}
	}}
	s := newTestServer(t, Options{Handler: h})
	rec := do(s, http.MethodPost, "/jentrata/ebms/inbound", "", bytes.NewReader(make([]byte, 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, msh.ContentTypeSOAP, rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.Bytes())
	assert.False(t, called)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestInbound_UnreadableBody(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := do(s, http.MethodPost, "/jentrata/ebms/inbound", "", failingReader{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msh.ContentTypeSOAP, rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.Bytes())
}

func TestInbound_Recover(t *testing.T) {
	h := &fakeHandler{process: func([]byte, string) *msh.Response {
		panic("boom")
	}}
	s := newTestServer(t, Options{Handler: h})
	rec := do(s, http.MethodPost, "/jentrata/ebms/inbound", "", strings.NewReader("<env/>"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/ready", "", nil).Code)

	down := newTestServer(t, Options{Store: downStore{memory.NewStore()}})
	assert.Equal(t, http.StatusOK, do(down, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/ready", "", nil).Code)
}

func TestAdmin_Disabled(t *testing.T) {
	s := newTestServer(t, Options{Config: testConfig(false)})
	rec := do(s, http.MethodGet, "/api/agreements", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	cfg := testConfig(true)
	s := newTestServer(t, Options{Config: cfg})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/agreements", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/agreements", "bogus", nil).Code)

	reader := token(t, cfg, auth.ScopeRead)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/agreements", reader, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(s, http.MethodPost, "/api/outbound", reader, strings.NewReader("{}")).Code)
}

func seed(t *testing.T, store *memory.Store) *storage.Message {
	t.Helper()
	ctx := context.Background()
	ref, err := store.StoreRaw(ctx, []byte("<env/>"), "application/soap+xml")
	require.NoError(t, err)
	rec := &storage.Message{
		ID:        "rec-1",
		MessageID: "msg-1@example.com",
		Direction: storage.DirectionInbound,
		Type:      message.TypeUserMessage,
		CPAID:     "cpa-1",
		Status:    storage.StatusDelivered,
		RawRef:    ref,
	}
	require.NoError(t, store.Insert(ctx, rec))
	require.NoError(t, store.StorePayload(ctx, &storage.Payload{
		ID:          "payload-1",
		MessageID:   rec.MessageID,
		ContentType: "application/xml",
		Content:     []byte("<invoice/>"),
		Checksum:    storage.Checksum([]byte("<invoice/>")),
	}))
	return rec
}

func TestAdmin_Messages(t *testing.T) {
	cfg := testConfig(true)
	store := memory.NewStore()
	seed(t, store)
	s := newTestServer(t, Options{Config: cfg, Store: store})
	tok := token(t, cfg, auth.ScopeRead)

	t.Run("list", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/messages?direction=inbound&status=DELIVERED", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Messages []storage.Message `json:"messages"`
			Count    int               `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "msg-1@example.com", body.Messages[0].MessageID)

		rec = do(s, http.MethodGet, "/api/messages?direction=outbound&status=DELIVERED", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 0, body.Count)
	})

	t.Run("list bad query", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/messages?status=DELIVERED&direction=sideways", tok, nil).Code)
		assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/messages", tok, nil).Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/messages/inbound/msg-1@example.com", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var msg storage.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
		assert.Equal(t, storage.StatusDelivered, msg.Status)
		assert.Equal(t, "cpa-1", msg.CPAID)

		assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/api/messages/outbound/msg-1@example.com", tok, nil).Code)
		assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/messages/sideways/msg-1@example.com", tok, nil).Code)
	})

	t.Run("raw", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/messages/inbound/msg-1@example.com/raw", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/soap+xml", rec.Header().Get("Content-Type"))
		assert.Equal(t, "<env/>", rec.Body.String())
	})

	t.Run("payload", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/payloads/payload-1", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
		assert.Equal(t, "msg-1@example.com", rec.Header().Get("X-Message-Id"))
		assert.Equal(t, "<invoice/>", rec.Body.String())

		assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/api/payloads/missing", tok, nil).Code)
	})
}

func TestAdmin_AgreementsAndKeys(t *testing.T) {
	cfg := testConfig(true)
	s := newTestServer(t, Options{
		Config:     cfg,
		Agreements: agreementList{{CPAID: "cpa-1", Active: true}},
		Keys:       keyList{{Alias: "gateway", HasPrivateKey: true, Algorithm: "RSA", KeySize: 2048}},
	})
	tok := token(t, cfg, auth.ScopeRead)

	rec := do(s, http.MethodGet, "/api/agreements", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Contains(t, rec.Body.String(), "cpa-1")

	rec = do(s, http.MethodGet, "/api/keys", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys struct {
		Keys []keystore.KeyInfo `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	require.Len(t, keys.Keys, 1)
	assert.Equal(t, "gateway", keys.Keys[0].Alias)
}

func TestAdmin_Submit(t *testing.T) {
	cfg := testConfig(true)
	var got *msh.Submission
	h := &fakeHandler{
		process: func([]byte, string) *msh.Response { return &msh.Response{StatusCode: http.StatusNoContent} },
		submit: func(sub *msh.Submission) (*storage.Message, error) {
			got = sub
			if sub.CPAID == "missing" {
				return nil, &msh.StageError{Kind: msh.KindAgreement, Code: message.EbmsProcessingModeMismatch, Err: msh.ErrNoAgreement}
			}
			if sub.MessageID == "dup@example.com" {
				return nil, &msh.StageError{Kind: msh.KindValidation, Code: message.EbmsValueInconsistent, Err: errors.New("message id dup@example.com already sent")}
			}
			return &storage.Message{ID: "rec-9", MessageID: "new@example.com", Direction: storage.DirectionOutbound, Status: storage.StatusPending}, nil
		},
	}
	s := newTestServer(t, Options{Config: cfg, Handler: h})
	tok := token(t, cfg, auth.ScopeRead, auth.ScopeWrite)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"accepted", `{"cpaId":"cpa-1","payloads":[{"contentType":"application/xml","data":"PGludm9pY2UvPg=="}]}`, http.StatusAccepted},
		{"no payloads", `{"cpaId":"cpa-1","payloads":[]}`, http.StatusBadRequest},
		{"unknown field", `{"cpa":"cpa-1","payloads":[{"data":"eA=="}]}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
		{"no agreement", `{"cpaId":"missing","payloads":[{"data":"eA=="}]}`, http.StatusUnprocessableEntity},
		{"duplicate", `{"cpaId":"cpa-1","messageId":"dup@example.com","payloads":[{"data":"eA=="}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/api/outbound", tok, strings.NewReader(tt.body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := do(s, http.MethodPost, "/api/outbound", tok, strings.NewReader(tests[0].body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "cpa-1", got.CPAID)
	require.Len(t, got.Payloads, 1)
	assert.Equal(t, []byte("<invoice/>"), got.Payloads[0].Data)

	var out storage.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, storage.StatusPending, out.Status)

	rec = do(s, http.MethodPost, "/api/outbound", tok, strings.NewReader(tests[4].body))
	assert.Contains(t, rec.Body.String(), message.EbmsProcessingModeMismatch.Code)
}

func TestEventHub(t *testing.T) {
	hub := NewEventHub(1)
	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	hub.Publish(msh.Event{Type: msh.EventReceived, MessageID: "m1"})
	hub.Publish(msh.Event{Type: msh.EventDelivered, MessageID: "m1"})

	assert.Equal(t, msh.EventReceived, (<-a).Type)
	assert.Equal(t, msh.EventReceived, (<-b).Type)
	select {
	case evt := <-a:
		t.Fatalf("slow subscriber should have missed %s", evt.Type)
	default:
	}

	cancelA()
	cancelA()
	assert.Equal(t, 1, hub.Subscribers())
	cancelB()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestEvents_Stream(t *testing.T) {
	cfg := testConfig(true)
	hub := NewEventHub(4)
	s := newTestServer(t, Options{Config: cfg, Events: hub})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, cfg, auth.ScopeRead))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(msh.Event{Type: msh.EventSent, MessageID: "m2@example.com"})

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Contains(buf, []byte("m2@example.com")) && time.Now().Before(deadline) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	assert.Contains(t, string(buf), "event: message.sent")
	assert.Contains(t, string(buf), "m2@example.com")
}
