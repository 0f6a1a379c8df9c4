package relay

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
)

const defaultProject = "default"

const systemPromptTemplate = `You are FABROM, an AI web development assistant.

Project context:
- Project name: %s
- Main goal: help the user build a modern, functional web site.
- Preferred visual style: modern and responsive.

Rules:
- Reply in the language the user writes in.
- If the request does not need code, do not generate code and answer in one or two short sentences.
- If the request needs code, analyse the target files and their shared parts first.
- For multi-page projects keep the same header and navigation on every page, using relative links (e.g. <a href="index.html">Home</a>).
- Return every file wrapped strictly in markers:
  ~~~FILE:filename.html
  [full file content]
  ~~~
- Link styles and scripts with relative paths.
- Never put chat text inside generated HTML.
- Prefer images the user uploaded; otherwise use free images with attribution.
- After the files, confirm in one short sentence, e.g. "Done. Refresh the live preview to see the changes."`

// Call is the state of one relay request. It lives for the duration of
// the HTTP request and nothing about it is kept afterwards.
type Call struct {
	UserID  string
	Project string
	Request gateway.Request
}

func newCall(req gateway.Request) *Call {
	project := strings.TrimSpace(req.ProjectName)
	if project == "" {
		project = defaultProject
	}
	return &Call{UserID: req.UserID, Project: project, Request: req}
}

// Prompt composes the upstream message list: the system prompt, a context
// message describing the workspace, then the client's messages. Staged
// images are attached to the last message when it is the user's.
func (c *Call) Prompt() []chat.Message {
	msgs := make([]chat.Message, 0, len(c.Request.Messages)+2)
	msgs = append(msgs, chat.NewText(chat.RoleSystem, fmt.Sprintf(systemPromptTemplate, c.Project)))
	if ctx := c.contextMessage(); ctx != "" {
		msgs = append(msgs, chat.NewText(chat.RoleSystem, ctx))
	}
	for _, m := range c.Request.Messages {
		if imgs := m.Images(); len(imgs) > 0 {
			m = chat.NewWithImages(m.Role, m.Text(), upstreamImages(imgs))
		}
		msgs = append(msgs, m)
	}

	if len(c.Request.Images) > 0 {
		last := &msgs[len(msgs)-1]
		if last.Role == chat.RoleUser {
			images := slices.Concat(last.Images(), upstreamImages(c.Request.Images))
			*last = chat.NewWithImages(chat.RoleUser, last.Text(), images)
		}
	}
	return msgs
}

// upstreamImages keeps only the URL; OpenAI-compatible endpoints reject
// unknown keys inside image_url.
func upstreamImages(refs []chat.ImageRef) []chat.ImageRef {
	out := make([]chat.ImageRef, len(refs))
	for i, r := range refs {
		out[i] = chat.ImageRef{URL: r.URL}
	}
	return out
}

func (c *Call) contextMessage() string {
	var sb strings.Builder
	if c.Request.DirectoryContext != "" {
		sb.WriteString(c.Request.DirectoryContext)
	}
	if c.Request.Code != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Current file content:\n")
		sb.WriteString(c.Request.Code)
	}
	return sb.String()
}
