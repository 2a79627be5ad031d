package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/zigtools/bamboo/internal/bundle"
	"github.com/zigtools/bamboo/internal/service"
)

const uploadMemoryLimit = 32 << 20

type uploadResponse struct {
	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
}

// handleUpload ingests a multipart batch of fuzzing bundles. Malformed
// bundles are counted and skipped; the rest of the batch still lands.
// Invalid hierarchy fields reject the whole request since every bundle in
// the batch shares them.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		jsonError(w, "malformed multipart request", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	owner := r.FormValue("owner")
	repo := r.FormValue("repo")
	branch := r.FormValue("branch")
	commit := r.FormValue("commit")

	var resp uploadResponse
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				jsonError(w, "read upload part", http.StatusBadRequest)
				return
			}
			raw, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				jsonError(w, "read upload part", http.StatusBadRequest)
				return
			}

			_, err = s.crashSvc.Ingest(r.Context(), owner, repo, branch, commit, raw)
			switch {
			case err == nil:
				resp.Ingested++
				s.metrics.ingestedBundles.WithLabelValues("ingested").Inc()
			case errors.Is(err, bundle.ErrTruncated):
				resp.Skipped++
				s.metrics.ingestedBundles.WithLabelValues("skipped").Inc()
				s.logger.Warn("skipping malformed bundle",
					"file", fh.Filename, "error", err)
			case errors.Is(err, service.ErrInvalidRequest):
				serviceError(w, err)
				return
			default:
				s.logger.Error("ingest failed", "file", fh.Filename, "error", err)
				serviceError(w, err)
				return
			}
		}
	}

	jsonResponse(w, http.StatusOK, resp)
}
