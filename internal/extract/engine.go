package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
)

const (
	// StreamingPlaceholder is shown while the model has produced only code.
	StreamingPlaceholder = "Generating code..."
	// DonePlaceholder replaces empty commentary once the stream is over.
	DonePlaceholder = "Code generated successfully!"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
	readSize   = 32 * 1024
)

// TransportError wraps a failure of the underlying byte stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("stream transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is an error object delivered inside the stream itself.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string { return "upstream error: " + e.Message }

// Sink receives the live view while a response streams in.
type Sink interface {
	// Commentary replaces the trailing assistant transcript entry.
	Commentary(text string)
	// Editor overwrites the buffer of the active file.
	Editor(content string)
}

// Result is the outcome of one assistant turn.
type Result struct {
	Files      map[string]string
	Commentary string
}

// Engine turns an SSE byte stream into commentary and file payloads. It
// implements io.Writer; chunks may split lines, JSON objects or UTF-8
// sequences anywhere.
type Engine struct {
	activeFile string
	sink       Sink
	logger     *slog.Logger

	tail    []byte
	text    strings.Builder
	current Classification
	editor  string
	applied bool
	done    bool
	err     error
	skipped int
}

// New creates an engine for one response. activeFile is the file open in
// the editor; it receives single-file fenced code and live updates.
func New(activeFile string, sink Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{activeFile: activeFile, sink: sink, logger: logger}
}

type frame struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Write consumes one chunk. Complete lines are processed; the trailing
// partial line waits for the next chunk.
func (e *Engine) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.done {
		return len(p), nil
	}

	e.tail = append(e.tail, p...)
	for {
		i := bytes.IndexByte(e.tail, '\n')
		if i < 0 {
			break
		}
		line := string(e.tail[:i])
		e.tail = append(e.tail[:0], e.tail[i+1:]...)

		if err := e.processLine(line); err != nil {
			e.err = err
			return len(p), err
		}
		if e.done {
			e.tail = nil
			break
		}
	}
	return len(p), nil
}

// Done reports whether the [DONE] frame was seen.
func (e *Engine) Done() bool { return e.done }

func (e *Engine) processLine(line string) error {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return nil
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneMarker {
		e.done = true
		return nil
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		// A line split mid-object is dropped; the live view is best effort.
		e.skipped++
		return nil
	}
	if f.Error != nil && f.Error.Message != "" {
		return &UpstreamError{Message: f.Error.Message}
	}
	if len(f.Choices) == 0 || f.Choices[0].Delta == nil || f.Choices[0].Delta.Content == "" {
		return nil
	}

	e.text.WriteString(f.Choices[0].Delta.Content)
	e.publish(StreamingPlaceholder)
	return nil
}

// publish re-classifies the whole text and pushes the live view.
func (e *Engine) publish(placeholder string) {
	e.current = Classify(e.text.String(), e.activeFile)

	commentary := e.current.Commentary
	if commentary == "" {
		commentary = placeholder
	}
	if e.sink == nil {
		return
	}
	e.sink.Commentary(commentary)

	if content, ok := e.current.Files[e.activeFile]; ok && (!e.applied || content != e.editor) {
		e.editor = content
		e.applied = true
		e.sink.Editor(content)
	}
}

// Finish runs the final classification pass and returns the turn result.
func (e *Engine) Finish() (Result, error) {
	if e.err != nil {
		return Result{}, e.err
	}
	if !e.done && len(e.tail) > 0 {
		line := string(e.tail)
		e.tail = nil
		if err := e.processLine(line); err != nil {
			e.err = err
			return Result{}, err
		}
	}

	e.publish(DonePlaceholder)
	if e.skipped > 0 {
		e.logger.Debug("dropped unparsable stream lines", "count", e.skipped)
	}

	commentary := e.current.Commentary
	if commentary == "" {
		commentary = DonePlaceholder
	}
	return Result{Files: maps.Clone(e.current.Files), Commentary: commentary}, nil
}

// Run feeds r into e until EOF, [DONE] or a failure, then finishes.
func Run(ctx context.Context, r io.Reader, e *Engine) (Result, error) {
	buf := make([]byte, readSize)
	for !e.Done() {
		if err := ctx.Err(); err != nil {
			return Result{}, &TransportError{Err: err}
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := e.Write(buf[:n]); werr != nil {
				return Result{}, werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return Result{}, &TransportError{Err: err}
		}
	}
	return e.Finish()
}
