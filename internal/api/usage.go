package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Usage routes take ISO-8601 from/to, plus unit (hour|day|week|month) and tz
// for the per-id series.

func (s *Server) handleUserSeries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	q := r.URL.Query()
	buckets, err := s.engine.UsageByUser(ctx, chi.URLParam(r, "userId"),
		q.Get("from"), q.Get("to"), q.Get("unit"), q.Get("tz"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleMachineSeries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	q := r.URL.Query()
	buckets, err := s.engine.UsageByMachine(ctx, chi.URLParam(r, "machineId"),
		q.Get("from"), q.Get("to"), q.Get("unit"), q.Get("tz"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	q := r.URL.Query()
	totals, err := s.engine.UsageAllUsers(ctx, q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleAllMachines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	q := r.URL.Query()
	totals, err := s.engine.UsageAllMachines(ctx, q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
