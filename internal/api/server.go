package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/fabrom/internal/coordinator"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/workspace"
)

const (
	maxJSONBody   = 8 << 20
	maxUploadBody = 32 << 20
)

type Server struct {
	router *chi.Mux
	port   int
	coord  *coordinator.Coordinator
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires the UI routes around coord. The relay, when given, is
// mounted at POST /api/v1/chat and authenticates on its own.
func NewServer(port int, apiToken string, coord *coordinator.Coordinator, relay http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		coord:  coord,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/status", s.status)
	if relay != nil {
		router.Method(http.MethodPost, "/api/v1/chat", relay)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))

		r.Get("/workspace", s.getWorkspace)
		r.Post("/workspace", s.openWorkspace)
		r.Get("/transcript", s.getTranscript)
		r.Post("/turns", s.submitTurn)

		r.Put("/editor", s.editActive)
		r.Post("/editor/save", s.saveActive)

		r.Get("/files", s.listFiles)
		r.Post("/files", s.createPage)
		r.Get("/files/{name}", s.readFile)
		r.Put("/files/{name}", s.writeFile)
		r.Delete("/files/{name}", s.deletePage)
		r.Post("/files/{name}/select", s.selectFile)
		r.Get("/files/{name}/versions", s.listVersions)
		r.Post("/files/{name}/versions/{version}/restore", s.restoreVersion)

		r.Get("/images", s.listImages)
		r.Post("/images", s.uploadImages)
		r.Delete("/images/{id}", s.removeImage)

		r.Get("/conversation", s.getConversation)
		r.Get("/credits", s.getCredits)
		r.Get("/history", s.getHistory)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "fabrom",
		"status":    "ok",
		"phase":     st.Phase,
		"workspace": st.Workspace,
		"events":    s.coord.EventsStatus(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrNoWorkspaceSelected):
		return http.StatusPreconditionFailed
	case errors.Is(err, coordinator.ErrTurnInProgress), errors.Is(err, workspace.ErrExists):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrPermissionDenied), errors.Is(err, workspace.ErrProtected):
		return http.StatusForbidden
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// fileName returns the unescaped {name} parameter so names may carry
// escaped slashes.
func fileName(r *http.Request) (string, error) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || name == "" {
		return "", fmt.Errorf("%w: %q", workspace.ErrInvalidName, chi.URLParam(r, "name"))
	}
	return name, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
