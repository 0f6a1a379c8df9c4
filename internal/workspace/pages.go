package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// IndexPage is the entry page; it cannot be deleted.
const IndexPage = "index.html"

var (
	ErrProtected = errors.New("index.html cannot be deleted")
	ErrExists    = errors.New("file already exists")
)

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%[1]s</title>
</head>
<body>
    <h1>New page: %[1]s</h1>
</body>
</html>`

// PageName normalises a user-typed page name to an .html file name.
func PageName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || IsHTML(name) {
		return name
	}
	return name + ".html"
}

// CreatePage writes a starter page and returns its file name.
func (w *Workspace) CreatePage(name string) (string, error) {
	file := PageName(name)
	if err := ValidFileName(file); err != nil {
		return "", err
	}
	if w.Exists(file) {
		return "", fmt.Errorf("%w: %s", ErrExists, file)
	}
	title := strings.TrimSuffix(file, ".html")
	if err := w.Write(file, fmt.Sprintf(pageTemplate, title), true); err != nil {
		return "", err
	}
	return file, nil
}

// DeletePage removes a page other than index.html.
func (w *Workspace) DeletePage(name string) error {
	if name == IndexPage {
		return ErrProtected
	}
	return w.Remove(name)
}

// InitialFile picks the page to open: index.html when present, otherwise
// the first HTML file, otherwise index.html as a new buffer.
func (w *Workspace) InitialFile() (string, error) {
	entries, err := w.List()
	if err != nil {
		return "", err
	}
	first := ""
	for _, e := range entries {
		if e.Kind != KindFile || !IsHTML(e.Name) {
			continue
		}
		if e.Name == IndexPage {
			return IndexPage, nil
		}
		if first == "" {
			first = e.Name
		}
	}
	if first != "" {
		return first, nil
	}
	return IndexPage, nil
}
