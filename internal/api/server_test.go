package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/coordinator"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
	"github.com/MikeSquared-Agency/fabrom/internal/images"
	"github.com/MikeSquared-Agency/fabrom/internal/relay"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/store/boltstore"
	"github.com/MikeSquared-Agency/fabrom/internal/workspace"
)

const testToken = "fabrom-test-token"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cannedModel answers every prompt with the same assistant text.
type cannedModel struct {
	text string
}

func (m *cannedModel) ChatStream(context.Context, []chat.Message) (io.ReadCloser, error) {
	frame, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": m.text}}},
	})
	return io.NopCloser(strings.NewReader("data: " + string(frame) + "\n\ndata: [DONE]\n\n")), nil
}

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, name string, _ []byte) (*images.Uploaded, error) {
	return &images.Uploaded{URL: "https://img.example/" + name}, nil
}

type testEnv struct {
	srv *Server
	dir string
}

func newTestEnv(t *testing.T, modelText string) *testEnv {
	t.Helper()
	logger := discardLogger()

	db, err := boltstore.Open(filepath.Join(t.TempDir(), "fabrom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	relayHandler := relay.New(db, &cannedModel{text: modelText}, testToken, logger)
	relaySrv := httptest.NewServer(relayHandler)
	t.Cleanup(relaySrv.Close)

	coord := coordinator.New(db, gateway.NewClient(relaySrv.URL, logger), stubUploader{}, nil, coordinator.Options{}, logger)
	t.Cleanup(coord.Close)

	return &testEnv{
		srv: NewServer(8760, testToken, coord, relayHandler, logger),
		dir: t.TempDir(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(UserHeader, "user-1")
	w := httptest.NewRecorder()
	e.srv.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) open(t *testing.T) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/workspace", map[string]string{"path": e.dir})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	env.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["service"] != "fabrom" {
		t.Errorf("expected service fabrom, got %q", body["service"])
	}
	if body["phase"] != "idle" {
		t.Errorf("expected phase idle, got %q", body["phase"])
	}
	if body["events"] != "disabled" {
		t.Errorf("expected events disabled, got %q", body["events"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	w := httptest.NewRecorder()
	env.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name    string
		auth    string
		user    string
		wantErr bool
	}{
		{"no token", "", "user-1", true},
		{"wrong token", "Bearer nope", "user-1", true},
		{"not bearer", "Basic " + testToken, "user-1", true},
		{"no user", "Bearer " + testToken, "", true},
		{"ok", "Bearer " + testToken, "user-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/workspace", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.user != "" {
				req.Header.Set(UserHeader, tt.user)
			}
			w := httptest.NewRecorder()
			env.srv.router.ServeHTTP(w, req)
			if tt.wantErr {
				assert.Equal(t, http.StatusUnauthorized, w.Code)
			} else {
				assert.Equal(t, http.StatusOK, w.Code)
			}
		})
	}
}

func TestNoWorkspaceIsPreconditionFailed(t *testing.T) {
	env := newTestEnv(t, "")

	assert.Equal(t, http.StatusPreconditionFailed, env.do(t, http.MethodGet, "/api/v1/files", nil).Code)
	assert.Equal(t, http.StatusPreconditionFailed,
		env.do(t, http.MethodPost, "/api/v1/turns", map[string]string{"message": "hi"}).Code)
}

func TestOpenWorkspace_BadPath(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodPost, "/api/v1/workspace", map[string]string{"path": filepath.Join(env.dir, "missing")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTurnStreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, "Done!\n~~~FILE:index.html\n<h1>Hello</h1>\n~~~")
	env.open(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/conversation", nil).Code)

	w := env.do(t, http.MethodPost, "/api/v1/turns", map[string]string{"message": "make a heading"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	for _, ev := range []string{"event: transcript", "event: editor", "event: file", "event: done"} {
		assert.Contains(t, body, ev)
	}
	assert.NotContains(t, body, "event: notice")
	assert.Contains(t, body, `"ok":true`)

	onDisk, err := os.ReadFile(filepath.Join(env.dir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hello</h1>", string(onDisk))

	// One credit spent by the relay.
	w = env.do(t, http.MethodGet, "/api/v1/credits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&balance))
	assert.EqualValues(t, 39, balance["credits_remaining"])

	w = env.do(t, http.MethodGet, "/api/v1/transcript", nil)
	var transcript []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&transcript))
	require.Len(t, transcript, 2)
	assert.Equal(t, "Done!", transcript[1]["content"])

	w = env.do(t, http.MethodGet, "/api/v1/conversation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conv store.Conversation
	require.NoError(t, json.NewDecoder(w.Body).Decode(&conv))
	assert.Equal(t, "user-1", conv.OwnerID)
	assert.Equal(t, map[string]string{"index.html": "<h1>Hello</h1>"}, conv.Files)

	w = env.do(t, http.MethodGet, "/api/v1/files/index.html/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var versions []store.FileVersion
	require.NoError(t, json.NewDecoder(w.Body).Decode(&versions))
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)

	w = env.do(t, http.MethodPut, "/api/v1/files/index.html", map[string]string{"content": "<h1>Edited</h1>"})
	require.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/files/index.html/versions/1/restore", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	onDisk, err = os.ReadFile(filepath.Join(env.dir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hello</h1>", string(onDisk))

	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/v1/files/index.html/versions/7/restore", nil).Code)

	w = env.do(t, http.MethodGet, "/api/v1/history", nil)
	var history []workspace.HistoryEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	assert.NotEmpty(t, history)
}

func TestTurnRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, "")
	env.open(t)
	w := env.do(t, http.MethodPost, "/api/v1/turns", map[string]string{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFilesLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	env.open(t)

	w := env.do(t, http.MethodPost, "/api/v1/files", map[string]string{"name": "about"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "about.html")

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/files", map[string]string{"name": "about"}).Code)

	w = env.do(t, http.MethodGet, "/api/v1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []workspace.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "about.html", entries[0].Name)

	w = env.do(t, http.MethodGet, "/api/v1/files/about.html", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "New page: about")

	w = env.do(t, http.MethodPut, "/api/v1/editor", map[string]string{"content": "<p>typed</p>"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/api/v1/editor/save", nil).Code)
	onDisk, err := os.ReadFile(filepath.Join(env.dir, "about.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>typed</p>", string(onDisk))

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/api/v1/files/index.html", nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/files/about.html", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/files/about.html", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/files/..%2Fescape.html", nil).Code)
}

func TestImageUploadBatch(t *testing.T) {
	env := newTestEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range []struct {
		name string
		size int
	}{{"a.png", 10}, {"huge.png", images.MaxBytes + 1}, {"b.png", 10}} {
		part, err := mw.CreateFormFile("images", f.name)
		require.NoError(t, err)
		_, err = part.Write(make([]byte, f.size))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(UserHeader, "user-1")
	w := httptest.NewRecorder()
	env.srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Staged   []images.Staged `json:"staged"`
		Warnings []string        `json:"warnings"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Staged, 2)
	assert.Len(t, resp.Warnings, 1)

	path := fmt.Sprintf("/api/v1/images/%s", resp.Staged[0].ID)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/api/v1/images/not-a-uuid", nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{coordinator.ErrNoWorkspaceSelected, http.StatusPreconditionFailed},
		{coordinator.ErrTurnInProgress, http.StatusConflict},
		{fmt.Errorf("write: %w", workspace.ErrPermissionDenied), http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{workspace.ErrInvalidName, http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
