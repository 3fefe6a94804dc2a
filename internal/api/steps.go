package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/store"
)

// handleStreamSteps streams the step history of an execution as SSE, then
// its live steps until the final one.
func (s *Server) handleStreamSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the history so no step falls in between.
	ch, unsub := s.executions.Broker().Subscribe(id)
	defer unsub()

	exec, err := s.executions.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for steps", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	stepStreamsActive.Inc()
	defer stepStreamsActive.Dec()

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	lastSeq := 0
	for _, st := range exec.Steps {
		if err := writeSSEStep(w, st); err != nil {
			return
		}
		lastSeq = st.Seq
	}
	if exec.IsTerminal() {
		_ = writeSSEEvent(w, "done", string(exec.Status))
		flush()
		return
	}
	flush()

	for {
		select {
		case st, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if st.Seq <= lastSeq {
				continue
			}
			lastSeq = st.Seq
			if err := writeSSEStep(w, st); err != nil {
				return // client gone
			}
			flush()
			if st.IsFinal() {
				_ = writeSSEEvent(w, "done", string(st.Status))
				flush()
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEStep writes a step as an SSE "step" event carrying JSON.
func writeSSEStep(w http.ResponseWriter, st model.Step) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", st.Seq); err != nil {
		return err
	}
	return writeSSEEvent(w, "step", string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
