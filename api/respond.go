package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/emberworks-io/crucible/types"
)

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", map[string]any{"error": err.Error()})
	}
}

// writeError maps the error taxonomy onto HTTP status codes. Unknown
// errors collapse to a generic 500 so internals never leak to clients.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	var terr *types.Error
	if errors.As(err, &terr) {
		// Clients see the human message, not the kind prefix or cause chain.
		body.Error = terr.Message
	}
	var status int

	switch types.KindOf(err) {
	case types.KindInvalidParameter, types.KindSourceTooLarge, types.KindSessionClosed:
		status = http.StatusBadRequest
	case types.KindSessionNotFound, types.KindLanguageNotFound, types.KindExecutionNotFound:
		status = http.StatusNotFound
	case types.KindRateLimited:
		status = http.StatusTooManyRequests
		body.RetryAfter = terr.RetryAfter
	default:
		status = http.StatusInternalServerError
		body.Error = "internal server error"
		s.logger.Error("request failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}

	s.writeJSON(w, status, body)
}

// maxRequestBytes bounds request bodies: the largest legitimate payload is
// an autosave at the source cap, plus headroom for the JSON envelope.
const maxRequestBytes = MaxSourceBytes + 64*1024

// decodeBody parses an optional JSON body into dst. The body is capped at
// maxRequestBytes so oversized payloads are rejected while streaming, not
// after being buffered. An empty body leaves dst zero-valued; malformed
// JSON is an InvalidParameter.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.Ef(types.KindSourceTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return types.Wrap(types.KindInvalidParameter, "malformed request body", err)
	}
	return nil
}
