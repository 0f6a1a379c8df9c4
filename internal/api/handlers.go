package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/fabrom/internal/coordinator"
	"github.com/MikeSquared-Agency/fabrom/internal/workspace"
)

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.State())
}

func (s *Server) openWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	st, err := s.coord.OpenWorkspace(req.Path)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// Open fails on a bad path before any state changes.
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Transcript())
}

func (s *Server) editActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.EditActive(req.Content); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) saveActive(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SaveActive(); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.coord.Files()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) createPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := s.coord.CreatePage(req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

type fileBody struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	name, err := fileName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	content, err := s.coord.ReadFile(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileBody{Name: name, Content: content})
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	name, err := fileName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.WriteFile(name, req.Content); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePage(w http.ResponseWriter, r *http.Request) {
	name, err := fileName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.coord.DeletePage(name); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) selectFile(w http.ResponseWriter, r *http.Request) {
	name, err := fileName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	content, err := s.coord.SelectFile(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileBody{Name: name, Content: content})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	name, err := fileName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	versions, err := s.coord.Versions(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) restoreVersion(w http.ResponseWriter, r *http.Request) {
	name, err := fileName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	v, err := s.coord.RestoreStoredVersion(r.Context(), name, number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.StagedImages())
}

// uploadImages accepts a multipart form with one or more "images" parts.
func (s *Server) uploadImages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var files []coordinator.ImageFile
	for _, fh := range r.MultipartForm.File["images"] {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		files = append(files, coordinator.ImageFile{Name: fh.Filename, Data: data})
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, `no "images" parts in form`)
		return
	}

	staged, warnings := s.coord.UploadImages(r.Context(), files)
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"staged": staged, "warnings": warnings})
}

func (s *Server) removeImage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image id")
		return
	}
	if !s.coord.RemoveStagedImage(id) {
		writeError(w, http.StatusNotFound, "image not staged")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.coord.Conversation(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	b, err := s.coord.Credits(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.coord.History()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []workspace.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

var errEmptyMessage = errors.New("message is required")
