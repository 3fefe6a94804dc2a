package api

import (
	"encoding/json"
	"net/http"
)

// markDownloadedRequest is the JSON body for POST /v1/outputfiles/downloaded.
type markDownloadedRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,max=1000,dive,required"`
}

type markDownloadedResponse struct {
	Marked int `json:"marked"`
}

func (s *Server) handleMarkDownloaded(w http.ResponseWriter, r *http.Request) {
	var req markDownloadedRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "urls must be a non-empty list of URLs")
		return
	}

	n, err := s.outputFiles.MarkDownloaded(r.Context(), req.URLs)
	if err != nil {
		s.writeServiceError(w, "mark output files downloaded", err)
		return
	}

	s.writeJSON(w, http.StatusOK, markDownloadedResponse{Marked: n})
}
