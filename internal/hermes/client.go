package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectFileWritten carries a file persisted at the end of a turn.
	SubjectFileWritten = "fabrom.file.written"
	// SubjectFileChanged carries a workspace file edited outside the service.
	SubjectFileChanged = "fabrom.file.changed"
	// SubjectTurnCompleted is emitted once per finalized turn.
	SubjectTurnCompleted = "fabrom.turn.completed"
)

// FileWritten is published for every generated file written to the
// workspace and recorded as a version.
type FileWritten struct {
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Workspace      string    `json:"workspace"`
	FileName       string    `json:"file_name"`
	VersionNumber  int       `json:"version_number"`
	Bytes          int       `json:"bytes"`
	WrittenAt      time.Time `json:"written_at"`
}

type FileChanged struct {
	Workspace string `json:"workspace"`
	FileName  string `json:"file_name"`
	Op        string `json:"op"`
}

type TurnCompleted struct {
	ConversationID string   `json:"conversation_id"`
	OwnerID        string   `json:"owner_id"`
	Workspace      string   `json:"workspace"`
	Files          []string `json:"files"`
	Messages       int      `json:"messages"`
}

// Publisher is what the coordinator needs from the event bus.
type Publisher interface {
	Publish(subject string, data any) error
}

// Disabled drops every event. Used when no NATS URL is configured.
type Disabled struct{}

func (Disabled) Publish(string, any) error { return nil }

type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("fabrom"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool { return c.conn.IsConnected() }

func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
	}
}
