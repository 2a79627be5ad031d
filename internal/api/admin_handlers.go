package api

import (
	"net/http"
)

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.crashSvc.DeleteEntry(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	s.logger.Info("entry deleted", "entry", id)
	jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.crashSvc.DeleteGroup(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	s.logger.Info("group deleted", "group", id)
	jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRegroup queues a regroup job for every ungrouped entry.
func (s *Server) handleRegroup(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		jsonError(w, "regroup queue is not running", http.StatusServiceUnavailable)
		return
	}
	queued, err := s.crashSvc.EnqueueRegroupJobs(r.Context(), s.queue.MaxAttempts())
	if err != nil {
		s.logger.Error("regroup enqueue failed", "queued", queued, "error", err)
		serviceError(w, err)
		return
	}
	s.logger.Info("regroup jobs queued", "count", queued)
	jsonResponse(w, http.StatusOK, map[string]int{"queued": queued})
}
