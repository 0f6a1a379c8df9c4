package images

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestCheckSize(t *testing.T) {
	assert.NoError(t, CheckSize("a.png", MaxBytes))
	err := CheckSize("big.png", MaxBytes+1)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Contains(t, err.Error(), "big.png")
}

func TestStage_Lifecycle(t *testing.T) {
	var s Stage
	a := s.Add("a.png")
	b := s.Add("b.png")
	c := s.Add("c.png")

	assert.Empty(t, s.Ready(), "nothing is ready while loading")

	// Uploads finish out of order.
	assert.True(t, s.Complete(c, "https://img/c"))
	assert.True(t, s.Complete(a, "https://img/a"))
	s.Fail(b)

	assert.Equal(t, []chat.ImageRef{
		{URL: "https://img/a", Name: "a.png"},
		{URL: "https://img/c", Name: "c.png"},
	}, s.Ready())

	assert.True(t, s.Remove(a))
	assert.False(t, s.Remove(a))
	assert.False(t, s.Complete(a, "late"), "completing a removed image is a no-op")
	require.Len(t, s.List(), 1)

	s.Clear()
	assert.Empty(t, s.List())
}

func TestStage_Concurrent(t *testing.T) {
	var s Stage
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := s.Add("x.png")
			s.Complete(id, "https://img/x")
		}()
	}
	wg.Wait()
	assert.Len(t, s.Ready(), 20)
}

func TestSign(t *testing.T) {
	sum := sha1.Sum([]byte("folder=fabrom-uploads&timestamp=1700000000shh"))
	assert.Equal(t, hex.EncodeToString(sum[:]), sign("fabrom-uploads", 1700000000, "shh"))
}

func newTestCloudinary(serverURL string) *Cloudinary {
	c := NewCloudinary("demo", "key-1", "shh", "", slog.Default())
	c.apiURL = serverURL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestUpload_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/image/upload", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)

		assert.Equal(t, DefaultFolder, form.Get("folder"))
		assert.Equal(t, "1700000000", form.Get("timestamp"))
		assert.Equal(t, "key-1", form.Get("api_key"))
		assert.Equal(t, sign(DefaultFolder, 1700000000, "shh"), form.Get("signature"))
		assert.True(t, strings.HasPrefix(form.Get("file"), "data:image/png;base64,"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"secure_url":"https://res.cloudinary.com/demo/x.png","public_id":"fabrom-uploads/x","width":10,"height":20,"format":"png"}`))
	}))
	defer server.Close()

	up, err := newTestCloudinary(server.URL).Upload(context.Background(), "x.png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, &Uploaded{
		URL:      "https://res.cloudinary.com/demo/x.png",
		PublicID: "fabrom-uploads/x",
		Width:    10,
		Height:   20,
		Format:   "png",
	}, up)
}

func TestUpload_HostError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestCloudinary(server.URL).Upload(context.Background(), "x.png", pngHeader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestUpload_RejectsOversized(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	_, err := newTestCloudinary(server.URL).Upload(context.Background(), "big.png", make([]byte, MaxBytes+1))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, called)
}

func TestUpload_NotConfigured(t *testing.T) {
	c := NewCloudinary("", "", "", "", slog.Default())
	_, err := c.Upload(context.Background(), "x.png", pngHeader)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
