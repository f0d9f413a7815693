package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/emberworks-io/crucible/admission"
	"github.com/emberworks-io/crucible/store"
	"github.com/emberworks-io/crucible/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// languageSummary is the list view: templates and file names are detail-only.
type languageSummary struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Runtime            string `json:"runtime"`
	Version            string `json:"version"`
	DefaultTimeLimitMS int    `json:"default_time_limit_ms"`
	DefaultMemoryMB    int    `json:"default_memory_mb"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := s.store.ListLanguages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summaries := make([]languageSummary, 0, len(langs))
	for _, l := range langs {
		summaries = append(summaries, languageSummary{
			ID:                 l.ID,
			Name:               l.Name,
			Runtime:            l.Runtime,
			Version:            l.Version,
			DefaultTimeLimitMS: l.DefaultTimeLimitMS,
			DefaultMemoryMB:    l.DefaultMemoryMB,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(summaries),
		"languages": summaries,
	})
}

func (s *Server) handleGetLanguage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, types.Ef(types.KindLanguageNotFound, "language %s not found", chi.URLParam(r, "id")))
		return
	}
	lang, err := s.store.GetLanguage(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindLanguageNotFound, "language %d not found", id))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lang)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LanguageID int64 `json:"language_id"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.LanguageID == 0 {
		s.writeError(w, r, types.E(types.KindInvalidParameter, "language_id is required"))
		return
	}

	lang, err := s.store.GetLanguage(r.Context(), body.LanguageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindLanguageNotFound, "language %d not found", body.LanguageID))
			return
		}
		s.writeError(w, r, err)
		return
	}

	// New sessions start from the language's starter template.
	sess, err := s.store.CreateSession(r.Context(), uuid.NewString(), lang.ID, lang.TemplateCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("session created", map[string]any{
		"session_id":  sess.ID,
		"language_id": lang.ID,
	})
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	swl, err := s.store.GetSessionWithLanguage(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindSessionNotFound, "session %s not found", id))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  swl.Session.ID,
		"language_id": swl.Session.LanguageID,
		"source_code": swl.Session.SourceCode,
		"status":      swl.Session.Status,
		"created_at":  swl.Session.CreatedAt,
		"updated_at":  swl.Session.UpdatedAt,
		"language":    swl.Language,
	})
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		SourceCode string `json:"source_code"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.SourceCode == "" {
		s.writeError(w, r, types.E(types.KindSourceTooLarge, "source_code must not be empty"))
		return
	}
	if len(body.SourceCode) > MaxSourceBytes {
		s.writeError(w, r, types.Ef(types.KindSourceTooLarge, "source_code exceeds %d bytes", MaxSourceBytes))
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindSessionNotFound, "session %s not found", id))
			return
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.store.UpdateSessionSource(r.Context(), id, body.SourceCode); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.CloseSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindSessionNotFound, "session %s not found", id))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     types.SessionInactive,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Clients send time_limit/memory_limit; the _ms/_mb spellings are
	// accepted as aliases. Whatever arrives must reach validation, so only
	// an absent field falls back to the process defaults.
	var body struct {
		TimeLimit     int `json:"time_limit"`
		MemoryLimit   int `json:"memory_limit"`
		TimeLimitMS   int `json:"time_limit_ms"`
		MemoryLimitMB int `json:"memory_limit_mb"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.TimeLimit == 0 {
		body.TimeLimit = body.TimeLimitMS
	}
	if body.MemoryLimit == 0 {
		body.MemoryLimit = body.MemoryLimitMB
	}
	timeLimit, memory := admission.DefaultLimits(
		body.TimeLimit, body.MemoryLimit,
		s.cfg.DefaultTimeLimitMS, s.cfg.DefaultMemoryMB)

	res, err := s.admit.Submit(r.Context(), id, timeLimit, memory)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": res.ExecutionID,
		"status":       res.Status,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			s.writeError(w, r, types.Ef(types.KindInvalidParameter, "limit must be an integer between 1 and 100, got %q", raw))
			return
		}
		limit = n
	}

	// The session must exist even when it has no executions yet.
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindSessionNotFound, "session %s not found", id))
			return
		}
		s.writeError(w, r, err)
		return
	}

	execs, err := s.store.ListExecutions(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []types.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"executions": execs,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, types.Ef(types.KindExecutionNotFound, "execution %s not found", id))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}
