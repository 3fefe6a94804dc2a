package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// searchExecutionsResponse wraps the paginated search response.
type searchExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// cancelRequest is the optional JSON body of POST /v1/executions/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

func (s *Server) handleSearchExecutions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, total, err := s.executions.Search(r.Context(), f)
	if err != nil {
		s.logger.Error("search executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to search executions")
		return
	}

	if execs == nil {
		execs = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, searchExecutionsResponse{
		Executions: execs,
		Total:      total,
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
}

// parseFilter reads the search query: tenant, process, user, status (comma
// separated or repeated), created_after, created_before, limit and offset.
func parseFilter(r *http.Request) (store.ExecutionFilter, error) {
	q := r.URL.Query()
	f := store.ExecutionFilter{
		Tenant:    q.Get("tenant"),
		ProcessID: q.Get("process"),
		User:      q.Get("user"),
		Limit:     parseIntQuery(r, "limit", defaultListLimit),
		Offset:    parseIntQuery(r, "offset", 0),
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	for _, v := range q["status"] {
		for st := range strings.SplitSeq(v, ",") {
			if st == "" {
				continue
			}
			status := model.Status(strings.ToUpper(st))
			if !status.Valid() {
				return f, fmt.Errorf("unknown status %q", st)
			}
			f.Statuses = append(f.Statuses, status)
		}
	}

	var err error
	if f.CreatedAfter, err = parseTimeQuery(r, "created_after"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTimeQuery(r, "created_before"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.executions.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := s.executions.Cancel(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	case errors.Is(err, store.ErrExecutionTerminal):
		s.writeError(w, http.StatusConflict, "execution already finished")
		return
	case err != nil:
		s.writeServiceError(w, "cancel execution", err)
		return
	}

	s.writeJSON(w, http.StatusOK, exec)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError reports err with the status and incident id of a
// classified error, or as an internal error.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var pe *processerr.Error
	if errors.As(err, &pe) {
		s.logger.Error(op, "incident_id", pe.IncidentID, "error", err)
		s.writeJSON(w, pe.Status(), map[string]string{
			"error":       pe.Message,
			"kind":        string(pe.Kind),
			"incident_id": pe.IncidentID,
		})
		return
	}
	s.logger.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to "+op)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseTimeQuery parses an RFC 3339 query parameter; absent means zero.
func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 time", key)
	}
	return t, nil
}
