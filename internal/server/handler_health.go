package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Document  string `json:"document"`
	Records   string `json:"records"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Document:  "ok",
		Records:   "unavailable",
	}
	if _, err := s.docs.Load(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Document = err.Error()
	}
	if s.records != nil {
		resp.Records = "ok"
	}
	respondOK(w, reqID, resp)
}
