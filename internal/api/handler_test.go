//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindfulme/mindfulme/internal/agent"
	"github.com/mindfulme/mindfulme/internal/chat"
	"github.com/mindfulme/mindfulme/internal/identity"
	"github.com/mindfulme/mindfulme/internal/kb"
	"github.com/mindfulme/mindfulme/internal/store"
)

const testUserHeader = "X-Test-User"

type recordingNotifier struct {
	mu      sync.Mutex
	cleared []string
}

func (n *recordingNotifier) NotifyCleared(userID, conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = append(n.cleared, userID+"/"+conversationID)
}

type firstResponse struct{}

func (firstResponse) IntN(int) int { return 0 }

func testKB(t *testing.T) *kb.KnowledgeBase {
	t.Helper()
	base, err := kb.New([]kb.Intent{
		{Tag: "greeting", Patterns: []string{"hi", "hello"}, Responses: []string{"Hi!"}},
		{Tag: "anxiety", Patterns: []string{"i feel anxious"}, Responses: []string{"Let's breathe."}},
		{Tag: "fallback", Responses: []string{"Not sure."}},
	})
	require.NoError(t, err)
	return base
}

type testServer struct {
	router   chi.Router
	svc      *chat.Service
	notifier *recordingNotifier
}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()
	svc, err := chat.NewService(chat.Options{
		KnowledgeBase: testKB(t),
		Repository:    store.NewMemory(),
		Random:        firstResponse{},
	})
	require.NoError(t, err)

	ts := &testServer{svc: svc, notifier: &recordingNotifier{}}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if u := req.Header.Get(testUserHeader); u != "" {
				req = req.WithContext(identity.WithUserID(req.Context(), u))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api", func(r chi.Router) {
		NewChatHandler(svc, NewRateLimiter(limit, time.Minute), ts.notifier, 1024).RegisterRoutes(r)
		NewSystemHandler(svc, nil).RegisterRoutes(r)
	})
	ts.router = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"foo":"bar"}`, w.Body.String())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusBadRequest, "bad")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"bad"}`, w.Body.String())
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: message is required", chat.ErrValidation), http.StatusBadRequest},
		{chat.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("%w: disk", chat.ErrPersistence), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeServiceError(w, tt.err)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestStartConversation(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.do(t, http.MethodPost, "/api/chatbot/conversation", "alice", nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	got := decode[chat.Greeting](t, rr)
	assert.NotEmpty(t, got.ConversationID)
	assert.Equal(t, "Hi!", got.Message.Text)
	assert.Equal(t, 100, got.Message.Confidence)

	rr = ts.do(t, http.MethodPost, "/api/chatbot/conversation", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.do(t, http.MethodPost, "/api/chatbot/message", "alice",
		map[string]string{"message": "I feel anxious", "conversation_id": "c1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ex := decode[chat.Exchange](t, rr)
	assert.Equal(t, "c1", ex.ConversationID)
	assert.Equal(t, "anxiety", ex.Intent)
	assert.Equal(t, "Let's breathe.", ex.BotMessage.Text)
	assert.Equal(t, "I feel anxious", ex.UserMessage.Text)

	rr = ts.do(t, http.MethodPost, "/api/chatbot/conversations/c1/messages", "alice",
		map[string]string{"message": "hello"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "greeting", decode[chat.Exchange](t, rr).Intent)

	rr = ts.do(t, http.MethodPost, "/api/chatbot/message", "alice",
		map[string]string{"message": "hello", "conversation_id": "new"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEqual(t, "new", decode[chat.Exchange](t, rr).ConversationID)
}

func TestSendMessageRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, 10)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty message", map[string]string{"message": "", "conversation_id": "c1"}, http.StatusBadRequest},
		{"missing conversation", map[string]string{"message": "hi"}, http.StatusBadRequest},
		{"malformed json", "{not json", http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", 2048) + `","conversation_id":"c1"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/chatbot/message", "alice", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	body := map[string]string{"message": "hello", "conversation_id": "c1"}

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/chatbot/message", "alice", body).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/chatbot/message", "alice", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/api/chatbot/message", "alice", body).Code)

	body["conversation_id"] = "b1"
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/chatbot/message", "bob", body).Code)
}

func TestCrossUserAccessForbidden(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.do(t, http.MethodPost, "/api/chatbot/message", "alice",
		map[string]string{"message": "I feel anxious", "conversation_id": "c1"})

	rr := ts.do(t, http.MethodGet, "/api/chatbot/conversation/c1", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.NotContains(t, rr.Body.String(), "anxious")

	rr = ts.do(t, http.MethodPost, "/api/chatbot/message", "bob",
		map[string]string{"message": "hello", "conversation_id": "c1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodDelete, "/api/chatbot/conversations/c1", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, ts.notifier.cleared)
}

func TestHistoryListAndClear(t *testing.T) {
	ts := newTestServer(t, 10)
	for _, id := range []string{"c1", "c2"} {
		rr := ts.do(t, http.MethodPost, "/api/chatbot/message", "alice",
			map[string]string{"message": "hello", "conversation_id": id})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := ts.do(t, http.MethodGet, "/api/chatbot/conversation/c1", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decode[historyResponse](t, rr)
	require.Len(t, history.Messages, 2)
	assert.True(t, history.Messages[0].IsUserMessage)

	rr = ts.do(t, http.MethodGet, "/api/chatbot/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[map[string][]map[string]any](t, rr)
	assert.Len(t, list["conversations"], 2)

	rr = ts.do(t, http.MethodPost, "/api/chatbot/conversation/c1/clear", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(2), decode[clearResponse](t, rr).MessagesDeleted)
	assert.Equal(t, []string{"alice/c1"}, ts.notifier.cleared)

	rr = ts.do(t, http.MethodDelete, "/api/chatbot/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"conversations_cleared":1}`, rr.Body.String())
	assert.Equal(t, []string{"alice/c1", "alice/c2"}, ts.notifier.cleared)

	rr = ts.do(t, http.MethodGet, "/api/chatbot/conversation/c2", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[historyResponse](t, rr).Messages)
}

func TestGetConfig(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.do(t, http.MethodGet, "/api/config", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"chat_mode":"local","intents":3,"tags":["greeting","anxiety","fallback"]}`, rr.Body.String())
}

type fakeProber struct{ err error }

func (f fakeProber) Health(context.Context) (*agent.HealthStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &agent.HealthStatus{Status: "success"}, nil
}

type downRepo struct{ store.Repository }

func (downRepo) Ping(context.Context) error { return errors.New("database is closed") }

func TestHealth(t *testing.T) {
	svc, err := chat.NewService(chat.Options{KnowledgeBase: testKB(t), Repository: store.NewMemory()})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	NewSystemHandler(svc, nil).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","chat_mode":"local","storage":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	NewSystemHandler(svc, fakeProber{err: agent.ErrDelegateUnavailable}).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"delegate":"unavailable"`)

	down, err := chat.NewService(chat.Options{KnowledgeBase: testKB(t), Repository: downRepo{store.NewMemory()}})
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	NewSystemHandler(down, fakeProber{}).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"storage":"unavailable"`)
	assert.Contains(t, rr.Body.String(), `"delegate":"ok"`)
}
