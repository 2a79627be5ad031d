package api

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zigtools/bamboo/internal/service"
)

// handleDownloadArchive serves GET /entry/<id>.zip and /entry/<id>.tar.gz.
// The wildcard carries the extension because mux wildcards match whole path
// segments.
func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("archive")

	var id, format, contentType string
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		id = strings.TrimSuffix(name, ".tar.gz")
		format = service.FormatTarGz
		contentType = "application/gzip"
	case strings.HasSuffix(name, ".zip"):
		id = strings.TrimSuffix(name, ".zip")
		format = service.FormatZip
		contentType = "application/zip"
	default:
		jsonError(w, "unknown archive format", http.StatusNotFound)
		return
	}
	if id == "" {
		jsonError(w, "entry id is required", http.StatusBadRequest)
		return
	}

	// The entry is resolved before any body bytes are written so a missing
	// entry is still a clean 404.
	if _, err := s.db.GetEntry(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := s.crashSvc.WriteArchive(r.Context(), id, format, w); err != nil {
		// Headers are gone; all we can do is cut the stream and log.
		s.logger.Error("archive reconstruction failed", "entry", id, "format", format, "error", err)
		return
	}
	s.metrics.archiveDownload.WithLabelValues(format).Inc()
}

// handleRawFile serves one stored role of an entry without repackaging.
// Compressed roles are passed through as stored, with Content-Encoding set
// so clients inflate them transparently.
func (s *Server) handleRawFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	file, ok := pathID(w, r, "file")
	if !ok {
		return
	}

	rc, deflated, err := s.crashSvc.OpenRawFile(r.Context(), id, file)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, service.ErrInvalidRequest) {
			jsonError(w, "not found", http.StatusNotFound)
			return
		}
		// Blob lookups for unknown legacy file names surface as storage
		// errors; the client asked for something that does not exist.
		s.logger.Warn("raw file unavailable", "entry", id, "file", file, "error", err)
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if deflated {
		w.Header().Set("Content-Encoding", "deflate")
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("raw file stream failed", "entry", id, "file", file, "error", err)
	}
}
