package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/re3/internal/progress"
	"github.com/me/re3/pkg/model"
)

func (s *Server) handleListSlices(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if v := r.URL.Query().Get("state"); v != "" {
		state, ok := model.ParseSliceState(v)
		if !ok {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("unknown state "+v))
			return
		}
		opts.State = state
	}
	opts.Where = r.URL.Query().Get("where")

	st, err := s.loadState(r)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	page, total, err := progress.Query(st, s.matrix, opts)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}
	if page == nil {
		page = []*model.Slice{}
	}
	respondList(w, reqID, page, total, opts)
}

func (s *Server) handleGetSlice(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	st, err := s.loadState(r)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	sl, ok := st.Slices[id]
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("slice", id))
		return
	}
	respondOK(w, reqID, sl)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if s.records == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("record store", id))
		return
	}
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	recs, total, err := s.records.ListRecordsBySlice(r.Context(), id, opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if recs == nil {
		recs = []*model.RunRecord{}
	}
	respondList(w, reqID, recs, total, opts)
}
