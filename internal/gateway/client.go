package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
)

// SubscriptionPath is where the UI sends users who ran out of credits.
const SubscriptionPath = "/subscription"

var (
	ErrAuthRequired = errors.New("authentication required")
	// ErrNoResponse means the gateway could not be reached or sent no body.
	ErrNoResponse = errors.New("no response from gateway")
)

// Action is a follow-up the UI can offer next to an error.
type Action struct {
	Label string `json:"label"`
	Href  string `json:"href"`
}

// PaymentRequiredError is returned when the account has no credits left.
type PaymentRequiredError struct {
	Message string
	Action  *Action
}

func (e *PaymentRequiredError) Error() string {
	if e.Message == "" {
		return "payment required"
	}
	return "payment required: " + e.Message
}

// Error is any other non-success answer from the gateway.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error %d", e.Status)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Message)
}

// Request is the generation request body.
type Request struct {
	UserID           string          `json:"userId"`
	Messages         []chat.Message  `json:"messages"`
	Code             string          `json:"code"`
	DirectoryContext string          `json:"directoryContext"`
	Images           []chat.ImageRef `json:"images,omitempty"`
	ProjectName      string          `json:"projectName,omitempty"`
}

type errorBody struct {
	Error        string `json:"error"`
	NeedsPayment bool   `json:"needsPayment"`
}

// Client posts generation requests to the relay and hands back the
// streamed response body.
type Client struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the given endpoint. No client timeout is
// set; a turn runs until the stream completes.
func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:    strings.TrimSuffix(url, "/"),
		client: &http.Client{},
		logger: logger,
	}
}

// Stream sends req authorised by token and returns the SSE body. The
// caller must close it.
func (c *Client) Stream(ctx context.Context, token string, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("gateway request",
		"url", c.url,
		"messages", len(req.Messages),
		"images", len(req.Images),
		"context_len", len(req.DirectoryContext),
	)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if resp.Body == nil {
			return nil, ErrNoResponse
		}
		return resp.Body, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	c.logger.Warn("gateway rejected request", "status", resp.StatusCode, "error", eb.Error)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, ErrAuthRequired
	case http.StatusPaymentRequired:
		perr := &PaymentRequiredError{Message: eb.Error}
		if eb.NeedsPayment {
			perr.Action = &Action{Label: "Buy credits", Href: SubscriptionPath}
		}
		return nil, perr
	default:
		msg := eb.Error
		if msg == "" && len(raw) > 0 && raw[0] != '{' {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg}
	}
}
