// Package coordinator turns user input into applied and persisted turns.
// It owns the open workspace, the transcript, the editor buffer of the
// active file and the conversation record of the session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/credits"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
	"github.com/MikeSquared-Agency/fabrom/internal/hermes"
	"github.com/MikeSquared-Agency/fabrom/internal/images"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/workspace"
)

var (
	ErrNoWorkspaceSelected = errors.New("no workspace selected")
	// ErrTurnInProgress is returned instead of starting a second turn.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrPersistence marks backend failures. They are logged and never
	// undo workspace writes.
	ErrPersistence = errors.New("backend persistence failed")
)

// Backend is the record store used for conversations, versions and credits.
type Backend interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	UpdateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
	AppendFileVersion(ctx context.Context, conversationID uuid.UUID, fileName, content string) (*store.FileVersion, error)
	ListFileVersions(ctx context.Context, conversationID uuid.UUID, fileName string) ([]store.FileVersion, error)
	GetFileVersion(ctx context.Context, conversationID uuid.UUID, fileName string, number int) (*store.FileVersion, error)
	EnsureCredits(ctx context.Context, ownerID string) (credits.Balance, error)
}

// Gateway sends generation requests.
type Gateway interface {
	Stream(ctx context.Context, token string, req gateway.Request) (io.ReadCloser, error)
}

// Uploader hosts staged images.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (*images.Uploaded, error)
}

// Identity is the caller a turn is attributed to.
type Identity struct {
	UserID string
	Token  string
}

// Options tunes a Coordinator. Zero values pick the defaults.
type Options struct {
	Permissions   workspace.Permissions
	AutoSaveDelay time.Duration
	// Watch enables the external change feed of opened workspaces.
	Watch bool
}

// Coordinator serialises turns for one local session.
type Coordinator struct {
	backend  Backend
	gateway  Gateway
	uploader Uploader
	events   hermes.Publisher
	logger   *slog.Logger
	perms    workspace.Permissions
	watch    bool

	inFlight atomic.Bool
	phase    atomic.Int32
	autosave *workspace.AutoSaver
	stage    images.Stage

	mu             sync.Mutex
	ws             *workspace.Workspace
	stopWatch      context.CancelFunc
	transcript     chat.Transcript
	activeFile     string
	editor         string
	conversationID uuid.UUID
	files          map[string]string
	balance        *credits.Balance
}

func New(backend Backend, gw Gateway, uploader Uploader, events hermes.Publisher, opts Options, logger *slog.Logger) *Coordinator {
	if events == nil {
		events = hermes.Disabled{}
	}
	if opts.Permissions == nil {
		opts.Permissions = workspace.GrantAll
	}
	c := &Coordinator{
		backend:  backend,
		gateway:  gw,
		uploader: uploader,
		events:   events,
		logger:   logger,
		perms:    opts.Permissions,
		watch:    opts.Watch,
	}
	c.autosave = workspace.NewAutoSaver(opts.AutoSaveDelay, c.saveFile, logger)
	return c
}

// State is a snapshot of the session for the UI.
type State struct {
	Workspace      string     `json:"workspace,omitempty"`
	Root           string     `json:"root,omitempty"`
	ActiveFile     string     `json:"activeFile,omitempty"`
	Editor         string     `json:"editor"`
	Phase          string     `json:"phase"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty"`
	Messages       int        `json:"messages"`
	StagedImages   int        `json:"stagedImages"`
	// Credits is the balance seen at the last check, if any.
	Credits *int `json:"creditsRemaining,omitempty"`
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		ActiveFile:   c.activeFile,
		Editor:       c.editor,
		Phase:        c.Phase().String(),
		Messages:     len(c.transcript),
		StagedImages: len(c.stage.List()),
	}
	if c.ws != nil {
		s.Workspace = c.ws.Name()
		s.Root = c.ws.Root()
	}
	if c.conversationID != uuid.Nil {
		id := c.conversationID
		s.ConversationID = &id
	}
	if c.balance != nil {
		remaining := c.balance.Remaining
		s.Credits = &remaining
	}
	return s
}

func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.logger.Debug("turn phase", "phase", p.String())
}

func (c *Coordinator) workspace() (*workspace.Workspace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil, ErrNoWorkspaceSelected
	}
	return c.ws, nil
}

// Transcript returns a copy of the current transcript.
func (c *Coordinator) Transcript() chat.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Clone()
}

// OpenWorkspace switches the session to dir. The cached transcript is
// restored and the initial page becomes the active file. A new workspace
// starts a new conversation record.
func (c *Coordinator) OpenWorkspace(dir string) (State, error) {
	if c.inFlight.Load() {
		return State{}, ErrTurnInProgress
	}
	ws, err := workspace.Open(dir, c.perms, c.logger)
	if err != nil {
		return State{}, err
	}

	transcript, err := ws.LoadTranscript()
	if err != nil {
		c.logger.Warn("conversation cache unreadable, starting fresh", "workspace", ws.Root(), "error", err)
		transcript = chat.Transcript{}
	}

	active, err := ws.InitialFile()
	if err != nil {
		return State{}, err
	}
	content, err := ws.Read(active)
	if err != nil && !errors.Is(err, workspace.ErrNotFound) {
		return State{}, err
	}

	c.autosave.Flush()

	c.mu.Lock()
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	c.ws = ws
	c.transcript = transcript
	c.activeFile = active
	c.editor = content
	c.conversationID = uuid.Nil
	c.files = nil
	c.mu.Unlock()
	c.stage.Clear()

	if c.watch {
		c.startWatch(ws)
	}
	c.logAction(ws, workspace.ActionWorkspaceOpened, "", ws.Name())
	c.logger.Info("workspace opened", "root", ws.Root(), "active_file", active, "messages", len(transcript))
	return c.State(), nil
}

func (c *Coordinator) startWatch(ws *workspace.Workspace) {
	ctx, cancel := context.WithCancel(context.Background())
	err := ws.Watch(ctx, func(ch workspace.Change) {
		c.logger.Debug("external change", "file", ch.Name, "op", ch.Op)
		c.publish(hermes.SubjectFileChanged, hermes.FileChanged{
			Workspace: ws.Root(),
			FileName:  ch.Name,
			Op:        ch.Op,
		})
	})
	if err != nil {
		cancel()
		c.logger.Warn("workspace watch disabled", "root", ws.Root(), "error", err)
		return
	}
	c.mu.Lock()
	c.stopWatch = cancel
	c.mu.Unlock()
}

// Close writes any pending auto-save and stops watching.
func (c *Coordinator) Close() {
	c.autosave.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

// Files lists the workspace entries.
func (c *Coordinator) Files() ([]workspace.Entry, error) {
	ws, err := c.workspace()
	if err != nil {
		return nil, err
	}
	return ws.List()
}

// ReadFile returns a file's content. The active file is served from the
// editor buffer, which may be ahead of the disk.
func (c *Coordinator) ReadFile(name string) (string, error) {
	ws, err := c.workspace()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if name == c.activeFile {
		content := c.editor
		c.mu.Unlock()
		return content, nil
	}
	c.mu.Unlock()
	return ws.Read(name)
}

// SelectFile makes name the active file and loads it into the editor.
func (c *Coordinator) SelectFile(name string) (string, error) {
	ws, err := c.workspace()
	if err != nil {
		return "", err
	}
	c.autosave.Flush()
	content, err := ws.Read(name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.activeFile = name
	c.editor = content
	c.mu.Unlock()
	return content, nil
}

// EditActive replaces the editor buffer and schedules an auto-save.
func (c *Coordinator) EditActive(content string) error {
	if _, err := c.workspace(); err != nil {
		return err
	}
	c.mu.Lock()
	name := c.activeFile
	c.editor = content
	c.mu.Unlock()
	c.autosave.Schedule(name, content)
	return nil
}

// SaveActive writes the editor buffer now.
func (c *Coordinator) SaveActive() error {
	if _, err := c.workspace(); err != nil {
		return err
	}
	c.mu.Lock()
	name, content := c.activeFile, c.editor
	c.mu.Unlock()
	c.autosave.Cancel(name)
	return c.saveFile(name, content)
}

// WriteFile saves content to name, creating it when needed. Writing the
// active file also replaces the editor buffer.
func (c *Coordinator) WriteFile(name, content string) error {
	if _, err := c.workspace(); err != nil {
		return err
	}
	if err := workspace.ValidFileName(name); err != nil {
		return err
	}
	c.autosave.Cancel(name)
	c.mu.Lock()
	if name == c.activeFile {
		c.editor = content
	}
	c.mu.Unlock()
	return c.saveFile(name, content)
}

func (c *Coordinator) saveFile(name, content string) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	if err := ws.Write(name, content, true); err != nil {
		return err
	}
	c.logAction(ws, workspace.ActionFileSaved, name, "")
	return nil
}

// CreatePage adds a starter page and makes it the active file.
func (c *Coordinator) CreatePage(name string) (string, error) {
	ws, err := c.workspace()
	if err != nil {
		return "", err
	}
	file, err := ws.CreatePage(name)
	if err != nil {
		return "", err
	}
	c.logAction(ws, workspace.ActionFileCreated, file, "")
	if _, err := c.SelectFile(file); err != nil {
		return "", err
	}
	return file, nil
}

// DeletePage removes a page. Deleting the active file reopens the initial
// page.
func (c *Coordinator) DeletePage(name string) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	c.autosave.Cancel(name)
	if err := ws.DeletePage(name); err != nil {
		return err
	}
	c.logAction(ws, workspace.ActionFileDeleted, name, "")

	c.mu.Lock()
	wasActive := name == c.activeFile
	c.mu.Unlock()
	if !wasActive {
		return nil
	}
	next, err := ws.InitialFile()
	if err != nil {
		return err
	}
	content, err := ws.Read(next)
	if err != nil && !errors.Is(err, workspace.ErrNotFound) {
		return err
	}
	c.mu.Lock()
	c.activeFile = next
	c.editor = content
	c.mu.Unlock()
	return nil
}

// Versions lists the stored versions of a file, newest first. Before the
// first persisted turn there are none.
func (c *Coordinator) Versions(ctx context.Context, fileName string) ([]store.FileVersion, error) {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == uuid.Nil {
		return []store.FileVersion{}, nil
	}
	return c.backend.ListFileVersions(ctx, id, fileName)
}

// Conversation reads the stored record of the current conversation.
// Records owned by someone else are reported as not found.
func (c *Coordinator) Conversation(ctx context.Context, ownerID string) (*store.Conversation, error) {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == uuid.Nil {
		return nil, store.ErrNotFound
	}
	conv, err := c.backend.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

// RestoreVersion puts content back into the editor and onto disk. It does
// not record a new version.
func (c *Coordinator) RestoreVersion(fileName string, versionNumber int, content string) error {
	ws, err := c.workspace()
	if err != nil {
		return err
	}
	c.autosave.Cancel(fileName)
	c.mu.Lock()
	if fileName == c.activeFile {
		c.editor = content
	}
	c.mu.Unlock()
	if err := ws.Write(fileName, content, true); err != nil {
		return err
	}
	c.logAction(ws, workspace.ActionVersionRestored, fileName, fmt.Sprintf("version %d", versionNumber))
	return nil
}

// RestoreStoredVersion loads a version from the backend and restores it.
func (c *Coordinator) RestoreStoredVersion(ctx context.Context, fileName string, versionNumber int) (*store.FileVersion, error) {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == uuid.Nil {
		return nil, store.ErrNotFound
	}
	v, err := c.backend.GetFileVersion(ctx, id, fileName, versionNumber)
	if err != nil {
		return nil, err
	}
	if err := c.RestoreVersion(fileName, v.VersionNumber, v.Content); err != nil {
		return nil, err
	}
	return v, nil
}

// EventsStatus reports the event bus as connected, disconnected or
// disabled.
func (c *Coordinator) EventsStatus() string {
	conn, ok := c.events.(interface{ Connected() bool })
	switch {
	case !ok:
		return "disabled"
	case conn.Connected():
		return "connected"
	default:
		return "disconnected"
	}
}

// Credits returns the caller's balance, creating or refreshing it as the
// ledger policy requires.
func (c *Coordinator) Credits(ctx context.Context, ownerID string) (credits.Balance, error) {
	b, err := c.backend.EnsureCredits(ctx, ownerID)
	if err != nil {
		return credits.Balance{}, err
	}
	c.setBalance(b)
	return b, nil
}

func (c *Coordinator) setBalance(b credits.Balance) {
	c.mu.Lock()
	c.balance = &b
	c.mu.Unlock()
}

// History returns the workspace action log.
func (c *Coordinator) History() ([]workspace.HistoryEntry, error) {
	ws, err := c.workspace()
	if err != nil {
		return nil, err
	}
	return ws.History()
}

func (c *Coordinator) logAction(ws *workspace.Workspace, action, file, details string) {
	if err := ws.LogAction(action, file, details); err != nil {
		c.logger.Warn("history log write failed", "action", action, "file", file, "error", err)
	}
}

func (c *Coordinator) publish(subject string, data any) {
	if err := c.events.Publish(subject, data); err != nil {
		c.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
