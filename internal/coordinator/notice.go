package coordinator

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/fabrom/internal/extract"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
)

// Notice is the single user-facing message of an aborted turn.
type Notice struct {
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Action  *gateway.Action `json:"action,omitempty"`
}

// NoticeFor maps a turn failure to what the user is told.
func NoticeFor(err error) Notice {
	var (
		payment   *gateway.PaymentRequiredError
		gwErr     *gateway.Error
		upstream  *extract.UpstreamError
		transport *extract.TransportError
	)
	switch {
	case errors.Is(err, gateway.ErrAuthRequired):
		return Notice{Title: "Authentication required", Message: "Please sign in to continue."}
	case errors.As(err, &payment):
		msg := payment.Message
		if msg == "" {
			msg = msgNoCredits
		}
		return Notice{Title: "Payment required", Message: msg, Action: payment.Action}
	case errors.As(err, &gwErr):
		msg := gwErr.Message
		if msg == "" {
			msg = fmt.Sprintf("The assistant returned status %d.", gwErr.Status)
		}
		return Notice{Title: "Request failed", Message: msg}
	case errors.As(err, &upstream):
		return Notice{Title: "Request failed", Message: upstream.Message}
	case errors.Is(err, gateway.ErrNoResponse), errors.As(err, &transport):
		return Notice{Title: "No response", Message: "The assistant did not respond. Check your connection and try again."}
	default:
		return Notice{Title: "Unknown error", Message: "Something went wrong while sending the message."}
	}
}
