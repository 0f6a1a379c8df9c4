package extract

import (
	"regexp"
	"strings"
)

// Marker blocks look like "~~~FILE:name\n<content>~~~". A block ends at a
// closing fence, at the next start marker, or at the end of the text, so an
// open block still being streamed is picked up too.
const (
	startMarker = "~~~FILE:"
	closeFence  = "~~~"
)

var (
	// Fences that count as code for the single-file path.
	codeFence = regexp.MustCompile("```(?:html|css|javascript|js)?\n([\\s\\S]*?)```")
	// Any closed fence, whatever its tag. Only used to clean commentary.
	anyFence = regexp.MustCompile("```[^\n`]*\n[\\s\\S]*?```")
	// A start marker whose filename line has not been terminated yet.
	danglingMarker = regexp.MustCompile(`~~~FILE:[^\n]*$`)
)

const fence = "```"

// Classification is the split of an assistant text into file payloads and
// human-readable commentary.
type Classification struct {
	Files      map[string]string
	Commentary string
	// Markers reports whether any start-marker block was found. When true
	// the fenced-code path was not consulted.
	Markers bool
}

// Classify scans the whole text. activeFile receives the fenced-code
// payload when the text carries no marker blocks.
func Classify(text, activeFile string) Classification {
	c := Classification{Files: make(map[string]string)}

	commentary, markers := scanMarkers(text, c.Files)
	c.Markers = markers

	if !markers {
		if body, ok := fencedBody(text); ok && activeFile != "" {
			c.Files[activeFile] = body
		}
	}

	commentary = anyFence.ReplaceAllString(commentary, "")
	if i := strings.Index(commentary, fence); i >= 0 {
		commentary = commentary[:i]
	}
	commentary = danglingMarker.ReplaceAllString(commentary, "")
	c.Commentary = strings.TrimSpace(commentary)
	return c
}

// scanMarkers fills files with every marker block (later blocks win) and
// returns the text with those blocks cut out. Each call is a single forward
// pass over text.
func scanMarkers(text string, files map[string]string) (string, bool) {
	var rest strings.Builder
	last, pos := 0, 0
	found := false
	for {
		i := strings.Index(text[pos:], startMarker)
		if i < 0 {
			break
		}
		start := pos + i
		nameStart := start + len(startMarker)
		nl := strings.IndexByte(text[nameStart:], '\n')
		if nl < 0 {
			// The filename line is still streaming.
			break
		}
		bodyStart := nameStart + nl + 1

		bodyEnd, end := len(text), len(text)
		if j := strings.Index(text[bodyStart:], closeFence); j >= 0 {
			bodyEnd = bodyStart + j
			end = bodyEnd
			if !strings.HasPrefix(text[bodyEnd:], startMarker) {
				end += len(closeFence)
			}
		}

		found = true
		if name := strings.TrimSpace(text[nameStart : nameStart+nl]); name != "" {
			files[name] = strings.TrimSpace(text[bodyStart:bodyEnd])
		}
		rest.WriteString(text[last:start])
		last, pos = end, end
	}
	if !found {
		return text, false
	}
	rest.WriteString(text[last:])
	return rest.String(), true
}

// fencedBody joins every recognised code fence body with a blank line.
func fencedBody(text string) (string, bool) {
	matches := codeFence.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	bodies := make([]string, 0, len(matches))
	for _, m := range matches {
		bodies = append(bodies, strings.TrimSpace(m[1]))
	}
	return strings.Join(bodies, "\n\n"), true
}
