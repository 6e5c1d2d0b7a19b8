package server

import (
	"errors"
	"net/http"

	"github.com/me/re3/internal/progress"
	"github.com/me/re3/pkg/model"
)

type progressResponse struct {
	model.Summary
	Heartbeats map[string]model.WorkerInfo `json:"heartbeats"`
}

// loadState reads the current document. A missing document is reported
// as an empty one so a fresh deployment answers with zero slices.
func (s *Server) loadState(r *http.Request) (*model.ProgressState, error) {
	st, err := s.docs.Load(r.Context())
	if errors.Is(err, progress.ErrNoDocument) {
		return model.NewProgressState(s.startTime), nil
	}
	return st, err
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	st, err := s.loadState(r)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, progressResponse{
		Summary:    st.Summarize(),
		Heartbeats: st.Workers,
	})
}
