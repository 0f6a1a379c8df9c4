package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/credits"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/upstream"
)

type fakeLedger struct {
	balance   credits.Balance
	ensureErr error
	consumed  int
	events    *[]string
}

func (l *fakeLedger) EnsureCredits(_ context.Context, owner string) (credits.Balance, error) {
	l.balance.OwnerID = owner
	return l.balance, l.ensureErr
}

func (l *fakeLedger) ConsumeCredit(context.Context, string) (int, error) {
	if l.events != nil {
		*l.events = append(*l.events, "consume")
	}
	if l.balance.Remaining <= 0 {
		return 0, store.ErrNoCredits
	}
	l.consumed++
	l.balance.Remaining--
	return l.balance.Remaining, nil
}

type fakeModel struct {
	body     string
	err      error
	calls    int
	messages []chat.Message
	events   *[]string
}

func (m *fakeModel) ChatStream(_ context.Context, messages []chat.Message) (io.ReadCloser, error) {
	if m.events != nil {
		*m.events = append(*m.events, "model")
	}
	m.calls++
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doRequest(t *testing.T, h http.Handler, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(string(raw)))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validRequest() gateway.Request {
	return gateway.Request{
		UserID:           "user-1",
		Messages:         []chat.Message{chat.NewText(chat.RoleUser, "make a landing page")},
		Code:             "<h1>old</h1>",
		DirectoryContext: "Files: index.html",
		ProjectName:      "bakery",
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestRelay_StreamsUpstreamBody(t *testing.T) {
	var events []string
	ledger := &fakeLedger{balance: credits.Balance{Remaining: 5}, events: &events}
	model := &fakeModel{body: "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n", events: &events}
	h := New(ledger, model, "", discardLogger())

	w := doRequest(t, h, "Bearer tok", validRequest())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, model.body, w.Body.String())
	assert.Equal(t, 1, ledger.consumed)
	assert.Equal(t, []string{"consume", "model"}, events, "credit must be spent before the model call")
}

func TestRelay_PromptComposition(t *testing.T) {
	model := &fakeModel{body: "data: [DONE]\n\n"}
	h := New(&fakeLedger{balance: credits.Balance{Remaining: 5}}, model, "", discardLogger())

	req := validRequest()
	req.Images = []chat.ImageRef{{URL: "https://img.example/cake.png", Name: "cake.png"}}
	w := doRequest(t, h, "Bearer tok", req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, model.messages, 3)
	assert.Equal(t, chat.RoleSystem, model.messages[0].Role)
	assert.Contains(t, model.messages[0].Text(), "Project name: bakery")
	assert.Contains(t, model.messages[0].Text(), "~~~FILE:")
	assert.Equal(t, chat.RoleSystem, model.messages[1].Role)
	assert.Contains(t, model.messages[1].Text(), "<h1>old</h1>")
	assert.Contains(t, model.messages[1].Text(), "Files: index.html")

	last := model.messages[2]
	assert.Equal(t, chat.RoleUser, last.Role)
	assert.Equal(t, "make a landing page", last.Text())
	assert.Equal(t, []chat.ImageRef{{URL: "https://img.example/cake.png"}}, last.Images())
}

func TestRelay_ImageNamesStayOffTheWire(t *testing.T) {
	c := newCall(gateway.Request{
		UserID: "u",
		Messages: []chat.Message{
			chat.NewWithImages(chat.RoleUser, "earlier", []chat.ImageRef{{URL: "https://img.example/old.png", Name: "old.png"}}),
			chat.NewText(chat.RoleAssistant, "ok"),
			chat.NewText(chat.RoleUser, "now this one"),
		},
		Images: []chat.ImageRef{{URL: "https://img.example/new.png", Name: "new.png"}},
	})

	raw, err := json.Marshal(c.Prompt())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"name"`)
	assert.Contains(t, string(raw), `{"url":"https://img.example/old.png"}`)
	assert.Contains(t, string(raw), `{"url":"https://img.example/new.png"}`)
}

func TestRelay_ImagesOnlyAttachToTrailingUserMessage(t *testing.T) {
	c := newCall(gateway.Request{
		UserID: "u",
		Messages: []chat.Message{
			chat.NewText(chat.RoleUser, "hi"),
			chat.NewText(chat.RoleAssistant, "hello"),
		},
		Images: []chat.ImageRef{{URL: "https://img.example/a.png"}},
	})

	msgs := c.Prompt()
	for _, m := range msgs {
		assert.Empty(t, m.Images())
	}
	assert.Contains(t, msgs[0].Text(), "Project name: default")
}

func TestRelay_Unauthorized(t *testing.T) {
	model := &fakeModel{}
	h := New(&fakeLedger{balance: credits.Balance{Remaining: 5}}, model, "secret", discardLogger())

	for _, auth := range []string{"", "Bearer ", "Bearer wrong", "Basic secret"} {
		w := doRequest(t, h, auth, validRequest())
		assert.Equal(t, http.StatusUnauthorized, w.Code, "auth %q", auth)
	}
	assert.Zero(t, model.calls)
}

func TestRelay_BadRequests(t *testing.T) {
	model := &fakeModel{}
	h := New(&fakeLedger{balance: credits.Balance{Remaining: 5}}, model, "", discardLogger())

	tests := []struct {
		name string
		body any
	}{
		{"not json", "{nope"},
		{"missing userId", map[string]any{"messages": []any{}}},
		{"empty userId", map[string]any{"userId": "", "messages": []any{}}},
		{"bad role", map[string]any{"userId": "u", "messages": []any{map[string]any{"role": "tool", "content": "x"}}}},
		{"bad content", map[string]any{"userId": "u", "messages": []any{map[string]any{"role": "user", "content": 42}}}},
		{"image without url", map[string]any{"userId": "u", "messages": []any{}, "images": []any{map[string]any{"name": "a"}}}},
		{"unknown part type", map[string]any{"userId": "u", "messages": []any{map[string]any{"role": "user", "content": []any{map[string]any{"type": "audio"}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, h, "Bearer tok", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decodeError(t, w).Error)
		})
	}
	assert.Zero(t, model.calls)
}

func TestRelay_NoCredits(t *testing.T) {
	ledger := &fakeLedger{balance: credits.Balance{Remaining: 0}}
	model := &fakeModel{}
	h := New(ledger, model, "", discardLogger())

	w := doRequest(t, h, "Bearer tok", validRequest())

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decodeError(t, w)
	assert.True(t, body.NeedsPayment)
	assert.Equal(t, msgNoCredits, body.Error)
	assert.Zero(t, model.calls)
	assert.Zero(t, ledger.consumed)
}

func TestRelay_LedgerFailure(t *testing.T) {
	ledger := &fakeLedger{ensureErr: errors.New("db down")}
	model := &fakeModel{}
	h := New(ledger, model, "", discardLogger())

	w := doRequest(t, h, "Bearer tok", validRequest())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, model.calls)
}

func TestRelay_UpstreamStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		message  string
		upsell   bool
		consumed int
	}{
		{"rate limited", &upstream.StatusError{Status: 429}, http.StatusTooManyRequests, msgRateLimited, false, 1},
		{"gateway funds", &upstream.StatusError{Status: 402}, http.StatusPaymentRequired, msgGatewayFunding, false, 1},
		{"other status", &upstream.StatusError{Status: 503, Body: "busy"}, http.StatusInternalServerError, "AI service error: 503", false, 1},
		{"unreachable", errors.New("dial tcp: refused"), http.StatusInternalServerError, "AI service unreachable", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{balance: credits.Balance{Remaining: 3}}
			h := New(ledger, &fakeModel{err: tt.err}, "", discardLogger())

			w := doRequest(t, h, "Bearer tok", validRequest())

			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.message, body.Error)
			assert.Equal(t, tt.upsell, body.NeedsPayment)
			assert.Equal(t, tt.consumed, ledger.consumed, "a failed call still costs a credit")
		})
	}
}
