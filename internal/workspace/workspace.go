// Package workspace is the user's project directory: permission-gated
// listing, reading and writing of files, plus the bookkeeping files kept
// alongside them.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

const (
	// ConversationFile caches the transcript between sessions.
	ConversationFile = ".fabrom-conversation.json"
	// HistoryFile is the capped action log.
	HistoryFile = ".fabrom-history.txt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("file not found")
	ErrInvalidName      = errors.New("invalid file name")
)

// Mode is the access level asked of Permissions.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeReadWrite Mode = "readwrite"
)

// Permissions decides whether the directory may be read or modified. Query
// answers without side effects; Request may prompt and is only consulted
// when Query says no.
type Permissions interface {
	Query(mode Mode) bool
	Request(mode Mode) bool
}

// Static grants a fixed set of modes and never prompts.
type Static struct {
	Read  bool
	Write bool
}

// GrantAll allows reading and writing.
var GrantAll = Static{Read: true, Write: true}

func (s Static) Query(mode Mode) bool {
	if mode == ModeReadWrite {
		return s.Write
	}
	return s.Read || s.Write
}

func (s Static) Request(mode Mode) bool { return s.Query(mode) }

// EntryKind tells files from directories.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

type Entry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
}

// Workspace is an open project directory. It holds no lock: concurrent
// writers race and the last write wins.
type Workspace struct {
	root   string
	perms  Permissions
	logger *slog.Logger
}

// Open opens dir, which must exist and be readable.
func Open(dir string, perms Permissions, logger *slog.Logger) (*Workspace, error) {
	if perms == nil {
		perms = GrantAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open workspace: %s is not a directory", root)
	}

	w := &Workspace{root: root, perms: perms, logger: logger.With("workspace", filepath.Base(root))}
	if err := w.check(ModeRead); err != nil {
		return nil, err
	}
	return w, nil
}

// Name is the directory's base name, used as the project label.
func (w *Workspace) Name() string { return filepath.Base(w.root) }

// Root is the absolute directory path.
func (w *Workspace) Root() string { return w.root }

func (w *Workspace) check(mode Mode) error {
	if w.perms.Query(mode) || w.perms.Request(mode) {
		return nil
	}
	return fmt.Errorf("%w: %s access to %s", ErrPermissionDenied, mode, w.Name())
}

// path resolves a workspace-relative name, refusing anything that would
// leave the directory.
func (w *Workspace) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(w.root, clean), nil
}

// List returns the immediate entries of the directory, without the
// bookkeeping files, .git and anything matched by the root .gitignore.
func (w *Workspace) List() ([]Entry, error) {
	if err := w.check(ModeRead); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	ign := w.ignoreRules()

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if isBookkeeping(name) || name == ".git" {
			continue
		}
		kind := KindFile
		if d.IsDir() {
			kind = KindDir
		}
		if ign != nil && (ign.MatchesPath(name) || (kind == KindDir && ign.MatchesPath(name+"/"))) {
			continue
		}
		entries = append(entries, Entry{Name: name, Kind: kind})
	}
	return entries, nil
}

func (w *Workspace) ignoreRules() *ignore.GitIgnore {
	ign, err := ignore.CompileIgnoreFile(filepath.Join(w.root, ".gitignore"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("unreadable .gitignore", "error", err)
		}
		return nil
	}
	return ign
}

// Read returns the content of a file.
func (w *Workspace) Read(name string) (string, error) {
	if err := w.check(ModeRead); err != nil {
		return "", err
	}
	p, err := w.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

// Write replaces the content of a file. With create false a missing file
// is an error. Parent directories are never created.
func (w *Workspace) Write(name, text string, create bool) error {
	if err := w.check(ModeReadWrite); err != nil {
		return err
	}
	p, err := w.path(name)
	if err != nil {
		return err
	}
	if !create {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: parent of %s", ErrNotFound, name)
		}
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Remove deletes a file.
func (w *Workspace) Remove(name string) error {
	if err := w.check(ModeReadWrite); err != nil {
		return err
	}
	p, err := w.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present, without a permission prompt
// beyond read.
func (w *Workspace) Exists(name string) bool {
	if w.check(ModeRead) != nil {
		return false
	}
	p, err := w.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// ValidFileName checks a name that is about to be created by a user or
// the model. Files live at the top level of the workspace; path
// separators, .git and the bookkeeping files are refused.
func ValidFileName(name string) error {
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q is not a top-level file", ErrInvalidName, name)
	case isBookkeeping(name), strings.EqualFold(name, ".git"):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

func isBookkeeping(name string) bool {
	return name == ConversationFile || name == HistoryFile
}

// IsHTML reports whether name is a page the editor can open.
func IsHTML(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".html")
}
