package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
)

// MaxHistory is the number of action-log entries kept.
const MaxHistory = 100

// Actions recorded in the history log.
const (
	ActionWorkspaceOpened = "workspace_opened"
	ActionFileSaved       = "file_saved"
	ActionFileGenerated   = "file_generated"
	ActionFileCreated     = "file_created"
	ActionFileDeleted     = "file_deleted"
	ActionVersionRestored = "version_restored"
)

// HistoryEntry is one line of the action log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	File      string    `json:"file,omitempty"`
	Details   string    `json:"details,omitempty"`
}

var historyMu sync.Mutex

// LoadTranscript reads the cached transcript. A missing cache yields an
// empty transcript.
func (w *Workspace) LoadTranscript() (chat.Transcript, error) {
	raw, err := w.Read(ConversationFile)
	if errors.Is(err, ErrNotFound) {
		return chat.Transcript{}, nil
	}
	if err != nil {
		return nil, err
	}
	var t chat.Transcript
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ConversationFile, err)
	}
	return t, nil
}

// SaveTranscript overwrites the transcript cache.
func (w *Workspace) SaveTranscript(t chat.Transcript) error {
	if t == nil {
		t = chat.Transcript{}
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return w.Write(ConversationFile, string(data), true)
}

// LogAction appends to the history log, keeping the last MaxHistory
// entries. A corrupt log is started afresh.
func (w *Workspace) LogAction(action, file, details string) error {
	historyMu.Lock()
	defer historyMu.Unlock()

	history, err := w.History()
	if err != nil {
		return err
	}
	history = append(history, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		File:      file,
		Details:   details,
	})
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return w.Write(HistoryFile, string(data), true)
}

// History returns the action log, oldest first. An unreadable log is
// reported as empty.
func (w *Workspace) History() ([]HistoryEntry, error) {
	raw, err := w.Read(HistoryFile)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var history []HistoryEntry
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		w.logger.Warn("history log unreadable, starting fresh", "error", err)
		return nil, nil
	}
	return history, nil
}
