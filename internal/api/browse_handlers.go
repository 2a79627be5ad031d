package api

import (
	"net/http"

	"github.com/zigtools/bamboo/internal/models"
)

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.db.ListRepositories(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, repos)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.db.GetRepository(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	branches, err := s.db.ListBranches(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, branches)
}

func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.db.GetBranch(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	commits, err := s.db.ListCommits(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, commits)
}

func (s *Server) handleListCommitEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.db.GetCommit(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	entries, err := s.db.ListCommitEntries(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, entries)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.db.ListGroups(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, groups)
}

type groupResponse struct {
	models.Group
	Entries []models.Entry `json:"entries"`
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	group, err := s.db.GetGroup(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	entries, err := s.db.ListGroupEntries(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, groupResponse{Group: *group, Entries: entries})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := s.db.GetEntry(r.Context(), id)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, entry)
}
