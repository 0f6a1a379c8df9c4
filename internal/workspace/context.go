package workspace

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sourcegraph/conc/pool"
	"github.com/tiktoken-go/tokenizer"
)

// PreviewChars bounds each page preview in the directory context.
const PreviewChars = 500

const readWorkers = 8

type pagePreview struct {
	name    string
	content string
	err     error
}

// DirectoryContext summarises the workspace for the model: the folder,
// the active file, the file and directory names, and a truncated preview
// of every HTML page. Pages that cannot be read are left out.
func (w *Workspace) DirectoryContext(activeFile string) (string, error) {
	entries, err := w.List()
	if err != nil {
		return "", err
	}

	var files, dirs []string
	p := pool.NewWithResults[pagePreview]().WithMaxGoroutines(readWorkers)
	for _, e := range entries {
		if e.Kind == KindDir {
			dirs = append(dirs, e.Name)
			continue
		}
		files = append(files, e.Name)
		if !IsHTML(e.Name) {
			continue
		}
		name := e.Name
		p.Go(func() pagePreview {
			content, err := w.Read(name)
			return pagePreview{name: name, content: content, err: err}
		})
	}
	previews := p.Wait()
	sort.Slice(previews, func(i, j int) bool { return previews[i].name < previews[j].name })

	var sb strings.Builder
	sb.WriteString("Project context:\n")
	fmt.Fprintf(&sb, "- Folder: %s\n", w.Name())
	fmt.Fprintf(&sb, "- Current file: %s\n", activeFile)
	fmt.Fprintf(&sb, "- Existing files: %s\n", joinOrNone(files))
	fmt.Fprintf(&sb, "- Existing folders: %s", joinOrNone(dirs))

	wrote := false
	for _, pv := range previews {
		if pv.err != nil {
			w.logger.Warn("skipping unreadable page in context", "file", pv.name, "error", pv.err)
			continue
		}
		if !wrote {
			sb.WriteString("\n\nExisting HTML files:\n")
			wrote = true
		}
		fmt.Fprintf(&sb, "\n--- %s (%d characters) ---\n%s\n", pv.name, utf8.RuneCountInString(pv.content), preview(pv.content))
	}

	summary := sb.String()
	w.logger.Debug("directory context built",
		"files", len(files),
		"dirs", len(dirs),
		"pages", len(previews),
		"tokens", estimateTokens(summary),
	)
	return summary, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewChars {
		return content
	}
	return string([]rune(content)[:PreviewChars]) + "..."
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// estimateTokens counts cl100k tokens, or 0 when the codec is unavailable.
func estimateTokens(text string) int {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return 0
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
