package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrInvalidRole    = errors.New("message role must be user, assistant or system")
	ErrInvalidContent = errors.New("message content must be a string or a list of content parts")
)

// ImageRef points at an image already uploaded to the hosting service.
type ImageRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Content is either Text or TextWithImages.
type Content interface {
	PlainText() string
	isContent()
}

// Text is message content made of text only.
type Text string

func (t Text) PlainText() string { return string(t) }
func (Text) isContent()          {}

// TextWithImages is text plus image attachments.
type TextWithImages struct {
	Text   string
	Images []ImageRef
}

func (t TextWithImages) PlainText() string { return t.Text }
func (TextWithImages) isContent()          {}

// Message is one entry of a transcript.
type Message struct {
	Role    Role
	Content Content
}

// NewText builds a text-only message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Content: Text(text)}
}

// NewWithImages builds a message carrying images. Without images it
// degrades to a text-only message.
func NewWithImages(role Role, text string, images []ImageRef) Message {
	if len(images) == 0 {
		return NewText(role, text)
	}
	return Message{Role: role, Content: TextWithImages{Text: text, Images: images}}
}

// Text returns the textual part of the content.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.PlainText()
}

// Images returns the attached images, if any.
func (m Message) Images() []ImageRef {
	if c, ok := m.Content.(TextWithImages); ok {
		return c.Images
	}
	return nil
}

// contentPart is the OpenAI-compatible multi-part wire form.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var content any
	switch c := m.Content.(type) {
	case nil:
		content = ""
	case Text:
		content = string(c)
	case TextWithImages:
		parts := make([]contentPart, 0, len(c.Images)+1)
		parts = append(parts, contentPart{Type: "text", Text: c.Text})
		for _, img := range c.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.URL, Name: img.Name}})
		}
		content = parts
	default:
		return nil, fmt.Errorf("marshal message: unsupported content %T", c)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: raw})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, w.Role)
	}

	raw := bytes.TrimSpace(w.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*m = NewText(w.Role, "")
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*m = NewText(w.Role, s)
		return nil
	case '[':
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		var text string
		var images []ImageRef
		for _, p := range parts {
			switch p.Type {
			case "text":
				if text != "" {
					text += "\n"
				}
				text += p.Text
			case "image_url":
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					return fmt.Errorf("%w: image part without url", ErrInvalidContent)
				}
				images = append(images, ImageRef{URL: p.ImageURL.URL, Name: p.ImageURL.Name})
			default:
				return fmt.Errorf("%w: unknown part type %q", ErrInvalidContent, p.Type)
			}
		}
		*m = NewWithImages(w.Role, text, images)
		return nil
	default:
		return ErrInvalidContent
	}
}
