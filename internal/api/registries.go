package api

import "net/http"

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engines.List())
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.processes.List())
}
