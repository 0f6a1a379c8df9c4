package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/extract"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
	"github.com/MikeSquared-Agency/fabrom/internal/hermes"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/workspace"
)

const msgNoCredits = "You have run out of credits. Buy more to keep generating."

// Observer follows one turn. Calls arrive on the submitting goroutine, in
// order.
type Observer interface {
	// TranscriptChanged carries the whole transcript after every change.
	TranscriptChanged(t chat.Transcript)
	// EditorChanged carries a new buffer for the active file.
	EditorChanged(file, content string)
	// FileWritten reports a generated file written to the workspace.
	FileWritten(name string)
	// Notify is called exactly once when a turn aborts.
	Notify(n Notice)
}

type nopObserver struct{}

func (nopObserver) TranscriptChanged(chat.Transcript) {}
func (nopObserver) EditorChanged(string, string)      {}
func (nopObserver) FileWritten(string)                {}
func (nopObserver) Notify(Notice)                     {}

// turn is the state of one submission while it runs.
type turn struct {
	c          *Coordinator
	obs        Observer
	ws         *workspace.Workspace
	identity   Identity
	activeFile string
}

// Commentary implements extract.Sink.
func (t *turn) Commentary(text string) {
	c := t.c
	c.mu.Lock()
	c.transcript.ReplaceLast(chat.RoleAssistant, text)
	snapshot := c.transcript.Clone()
	c.mu.Unlock()
	t.obs.TranscriptChanged(snapshot)
}

// Editor implements extract.Sink.
func (t *turn) Editor(content string) {
	c := t.c
	c.mu.Lock()
	live := c.activeFile == t.activeFile
	if live {
		c.editor = content
	}
	c.mu.Unlock()
	if live {
		t.obs.EditorChanged(t.activeFile, content)
	}
}

// SubmitUserMessage runs one turn: the user message is appended, the
// request is streamed through the extraction engine and the extracted files
// are written and versioned. An empty message is ignored. Any failure after
// the assistant placeholder was added removes it again and sends exactly
// one notice to obs.
func (c *Coordinator) SubmitUserMessage(ctx context.Context, id Identity, text string, obs Observer) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrTurnInProgress
	}
	defer c.inFlight.Store(false)
	defer c.setPhase(Idle)
	if obs == nil {
		obs = nopObserver{}
	}

	c.autosave.Flush()
	staged := c.stage.Ready()

	c.mu.Lock()
	activeFile, code := c.activeFile, c.editor
	c.transcript.Append(chat.NewWithImages(chat.RoleUser, text, staged))
	prior := c.transcript.Clone()
	c.transcript.Append(chat.NewText(chat.RoleAssistant, extract.StreamingPlaceholder))
	snapshot := c.transcript.Clone()
	c.mu.Unlock()

	c.stage.Clear()
	c.saveTranscript(ws, prior)
	obs.TranscriptChanged(snapshot)

	t := &turn{c: c, obs: obs, ws: ws, identity: id, activeFile: activeFile}

	dirContext, err := ws.DirectoryContext(activeFile)
	if err != nil {
		c.logger.Warn("directory context unavailable", "root", ws.Root(), "error", err)
	}

	c.setPhase(AwaitingCreditCheck)
	if id.UserID == "" {
		return t.abort(gateway.ErrAuthRequired)
	}
	balance, err := c.backend.EnsureCredits(ctx, id.UserID)
	if err != nil {
		// The relay enforces the ledger again; a local read failure does
		// not block the turn.
		c.logger.Warn("credit pre-check failed", "user", id.UserID, "error", err)
	} else {
		c.setBalance(balance)
		if balance.Exhausted() {
			return t.abort(&gateway.PaymentRequiredError{
				Message: msgNoCredits,
				Action:  &gateway.Action{Label: "Buy credits", Href: gateway.SubscriptionPath},
			})
		}
	}

	c.setPhase(Streaming)
	req := gateway.Request{
		UserID:           id.UserID,
		Messages:         requestMessages(prior),
		Code:             code,
		DirectoryContext: dirContext,
		Images:           staged,
		ProjectName:      ws.Name(),
	}
	body, err := c.gateway.Stream(ctx, id.Token, req)
	if err != nil {
		return t.abort(err)
	}
	defer body.Close()

	result, err := extract.Run(ctx, body, extract.New(activeFile, t, c.logger))
	if err != nil {
		return t.abort(err)
	}

	c.setPhase(Finalizing)
	t.finalize(ctx, result)
	return nil
}

// requestMessages sends the transcript with the newest user message as
// plain text; its images travel in the request's image list.
func requestMessages(prior chat.Transcript) []chat.Message {
	msgs := slices.Clone(prior)
	if n := len(msgs); n > 0 && msgs[n-1].Role == chat.RoleUser {
		msgs[n-1] = chat.NewText(chat.RoleUser, msgs[n-1].Text())
	}
	return msgs
}

func (t *turn) abort(err error) error {
	c := t.c
	c.setPhase(Aborted)

	c.mu.Lock()
	if last, ok := c.transcript.Last(); ok && last.Role == chat.RoleAssistant {
		c.transcript.DropLast()
	}
	snapshot := c.transcript.Clone()
	c.mu.Unlock()

	t.obs.TranscriptChanged(snapshot)
	t.obs.Notify(NoticeFor(err))
	c.logger.Warn("turn aborted", "user", t.identity.UserID, "error", err)
	return err
}

func (t *turn) finalize(ctx context.Context, result extract.Result) {
	c := t.c

	c.mu.Lock()
	c.transcript.ReplaceLast(chat.RoleAssistant, result.Commentary)
	transcript := c.transcript.Clone()
	c.mu.Unlock()

	t.obs.TranscriptChanged(transcript)
	c.saveTranscript(t.ws, transcript)

	files := t.acceptedFiles(result.Files)
	names := slices.Sorted(maps.Keys(files))
	if len(names) > 0 {
		convID := t.persistConversation(ctx, transcript, files)
		for _, name := range names {
			t.applyFile(ctx, convID, name, files[name])
		}
		c.publish(hermes.SubjectTurnCompleted, hermes.TurnCompleted{
			ConversationID: idString(convID),
			OwnerID:        t.identity.UserID,
			Workspace:      t.ws.Root(),
			Files:          names,
			Messages:       len(transcript),
		})
	}

	if balance, err := c.backend.EnsureCredits(ctx, t.identity.UserID); err != nil {
		c.logger.Warn("credit refresh failed", "user", t.identity.UserID, "error", err)
	} else {
		c.setBalance(balance)
	}

	c.logger.Info("turn completed",
		"user", t.identity.UserID,
		"files", len(names),
		"messages", len(transcript),
	)
}

// acceptedFiles drops generated files whose names may not be created in
// the workspace.
func (t *turn) acceptedFiles(files map[string]string) map[string]string {
	accepted := make(map[string]string, len(files))
	for name, content := range files {
		if err := workspace.ValidFileName(name); err != nil {
			t.c.logger.Warn("generated file rejected", "file", name, "error", err)
			continue
		}
		accepted[name] = content
	}
	return accepted
}

// persistConversation creates the conversation record on first use and
// updates it afterwards. It returns uuid.Nil when nothing could be stored.
func (t *turn) persistConversation(ctx context.Context, transcript chat.Transcript, files map[string]string) uuid.UUID {
	c := t.c

	c.mu.Lock()
	id := c.conversationID
	merged := maps.Clone(c.files)
	if merged == nil {
		merged = make(map[string]string, len(files))
	}
	maps.Copy(merged, files)
	c.files = merged
	c.mu.Unlock()

	conv := &store.Conversation{
		ID:           id,
		OwnerID:      t.identity.UserID,
		ProjectLabel: t.ws.Name(),
		Messages:     transcript,
		Files:        merged,
	}
	if id == uuid.Nil {
		if err := c.backend.CreateConversation(ctx, conv); err != nil {
			c.logger.Error("conversation create failed", "error", fmt.Errorf("%w: %w", ErrPersistence, err))
			return uuid.Nil
		}
		c.mu.Lock()
		c.conversationID = conv.ID
		c.mu.Unlock()
		c.logger.Info("conversation created", "conversation_id", conv.ID)
		return conv.ID
	}
	if err := c.backend.UpdateConversation(ctx, conv); err != nil {
		c.logger.Error("conversation update failed", "conversation_id", id, "error", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	return id
}

// applyFile records a version and writes the file. The workspace write
// happens even when the backend is unavailable.
func (t *turn) applyFile(ctx context.Context, convID uuid.UUID, name, content string) {
	c := t.c

	version := 0
	if convID != uuid.Nil {
		v, err := c.backend.AppendFileVersion(ctx, convID, name, content)
		if err != nil {
			c.logger.Error("file version append failed", "file", name, "error", fmt.Errorf("%w: %w", ErrPersistence, err))
		} else {
			version = v.VersionNumber
		}
	}

	c.autosave.Cancel(name)
	if err := t.ws.Write(name, content, true); err != nil {
		if errors.Is(err, workspace.ErrPermissionDenied) {
			c.logger.Info("workspace write declined", "file", name)
		} else {
			c.logger.Error("workspace write failed", "file", name, "error", err)
		}
		return
	}

	c.mu.Lock()
	isActive := name == c.activeFile
	if isActive {
		c.editor = content
	}
	c.mu.Unlock()
	if isActive {
		t.obs.EditorChanged(name, content)
	}
	t.obs.FileWritten(name)

	details := ""
	if version > 0 {
		details = fmt.Sprintf("version %d", version)
	}
	c.logAction(t.ws, workspace.ActionFileGenerated, name, details)
	c.publish(hermes.SubjectFileWritten, hermes.FileWritten{
		ConversationID: idString(convID),
		OwnerID:        t.identity.UserID,
		Workspace:      t.ws.Root(),
		FileName:       name,
		VersionNumber:  version,
		Bytes:          len(content),
		WrittenAt:      time.Now().UTC(),
	})
}

func (c *Coordinator) saveTranscript(ws *workspace.Workspace, t chat.Transcript) {
	if err := ws.SaveTranscript(t); err != nil {
		c.logger.Warn("conversation cache write failed", "root", ws.Root(), "error", err)
	}
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
