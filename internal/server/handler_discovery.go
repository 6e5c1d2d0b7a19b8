package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "re3 API",
		Version:     "v1",
		Description: "Read-only view of the experiment matrix progress and run records",
		Endpoints: []endpointInfo{
			{"/api/v1/progress", []string{"GET"}, "Summary of slice states and accuracy"},
			{"/api/v1/slices", []string{"GET"}, "List slices. Accepts ?state=, ?where=, ?limit=, ?offset="},
			{"/api/v1/slices/{id}", []string{"GET"}, "Single slice with owner and stats"},
			{"/api/v1/slices/{id}/records", []string{"GET"}, "Run records of a slice, newest first"},
			{"/api/v1/health", []string{"GET"}, "Server health"},
		},
	})
}
