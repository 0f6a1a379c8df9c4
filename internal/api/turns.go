package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/coordinator"
)

// sseObserver streams turn progress as server-sent events. Headers are
// only sent with the first event so that precondition failures can still
// be answered with a plain status code.
type sseObserver struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (o *sseObserver) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !o.started {
		h := o.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		o.w.WriteHeader(http.StatusOK)
		o.started = true
	}
	fmt.Fprintf(o.w, "event: %s\ndata: %s\n\n", event, data)
	if o.flusher != nil {
		o.flusher.Flush()
	}
}

func (o *sseObserver) TranscriptChanged(t chat.Transcript) { o.send("transcript", t) }

func (o *sseObserver) EditorChanged(file, content string) {
	o.send("editor", map[string]string{"file": file, "content": content})
}

func (o *sseObserver) FileWritten(name string) { o.send("file", map[string]string{"name": name}) }

func (o *sseObserver) Notify(n coordinator.Notice) { o.send("notice", n) }

func (s *Server) submitTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, errEmptyMessage.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	obs := &sseObserver{w: w, flusher: flusher}
	err := s.coord.SubmitUserMessage(r.Context(), identityFrom(r.Context()), req.Message, obs)

	if !obs.started {
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.fail(w, r, err)
		return
	}

	done := map[string]any{"ok": err == nil, "state": s.coord.State()}
	if err != nil {
		done["error"] = err.Error()
	}
	obs.send("done", done)
}
