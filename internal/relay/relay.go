// Package relay is the server side of a generation request: it checks and
// spends a credit, composes the prompt and streams the upstream model's
// SSE answer back unchanged.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/credits"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/upstream"
)

const (
	maxBodyBytes = 16 << 20
	copyBufSize  = 32 * 1024
)

const (
	msgNoCredits      = "You have no credits left. Buy a subscription to continue."
	msgRateLimited    = "Rate limit reached, please try again later."
	msgGatewayFunding = "Payment required, please add funds to the AI gateway account."
)

// Ledger is the credit side of the backend.
type Ledger interface {
	EnsureCredits(ctx context.Context, ownerID string) (credits.Balance, error)
	ConsumeCredit(ctx context.Context, ownerID string) (int, error)
}

// Model streams a chat completion.
type Model interface {
	ChatStream(ctx context.Context, messages []chat.Message) (io.ReadCloser, error)
}

type Handler struct {
	ledger Ledger
	model  Model
	token  string
	logger *slog.Logger
}

// New creates the relay handler. When token is non-empty the bearer token
// must match it; otherwise any bearer token is accepted.
func New(ledger Ledger, model Model, token string, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, model: model, token: token, logger: logger}
}

type errorResponse struct {
	Error        string `json:"error"`
	NeedsPayment bool   `json:"needsPayment,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, needsPayment bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg, NeedsPayment: needsPayment})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized", false)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body", false)
		return
	}
	if err := validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), false)
		return
	}
	var req gateway.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err), false)
		return
	}

	call := newCall(req)
	ctx := r.Context()
	logger := h.logger.With("user_id", call.UserID, "project", call.Project)

	balance, err := h.ledger.EnsureCredits(ctx, call.UserID)
	if err != nil {
		logger.Error("failed to fetch credits", "error", err)
		writeError(w, http.StatusInternalServerError, "Unable to fetch user credits", false)
		return
	}
	if balance.Exhausted() {
		writeError(w, http.StatusPaymentRequired, msgNoCredits, true)
		return
	}

	// The credit is spent before the model answers; a failed call still costs one.
	remaining, err := h.ledger.ConsumeCredit(ctx, call.UserID)
	switch {
	case errors.Is(err, store.ErrNoCredits):
		writeError(w, http.StatusPaymentRequired, msgNoCredits, true)
		return
	case err != nil:
		logger.Warn("failed to consume credit", "error", err)
	default:
		logger.Debug("credit consumed", "remaining", remaining)
	}

	stream, err := h.model.ChatStream(ctx, call.Prompt())
	if err != nil {
		h.upstreamFailure(w, logger, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	n, err := pipe(w, stream)
	if err != nil && ctx.Err() == nil {
		logger.Warn("stream relay interrupted", "bytes", n, "error", err)
		return
	}
	logger.Info("turn relayed", "bytes", n, "messages", len(req.Messages), "images", len(req.Images))
}

func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return h.token == "" || token == h.token
}

func (h *Handler) upstreamFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	var se *upstream.StatusError
	if !errors.As(err, &se) {
		logger.Error("AI gateway unreachable", "error", err)
		writeError(w, http.StatusInternalServerError, "AI service unreachable", false)
		return
	}

	switch se.Status {
	case http.StatusTooManyRequests:
		writeError(w, http.StatusTooManyRequests, msgRateLimited, false)
	case http.StatusPaymentRequired:
		writeError(w, http.StatusPaymentRequired, msgGatewayFunding, false)
	default:
		logger.Error("AI gateway error", "status", se.Status, "body", se.Body)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("AI service error: %d", se.Status), false)
	}
}

// pipe copies the upstream body to w, flushing after every read so the
// client sees tokens as they arrive.
func pipe(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
