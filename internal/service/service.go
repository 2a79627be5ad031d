// Package service implements the crash-bundle engine: ingestion with
// content-addressed hierarchy upserts, archive reconstruction from blob
// storage, and deletion with blob-first ordering.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/zigtools/bamboo/internal/database"
	"github.com/zigtools/bamboo/internal/models"
	"github.com/zigtools/bamboo/internal/storage"
)

// ErrInvalidRequest wraps malformed request fields (owner, repo, branch,
// commit). Handlers map it to 400.
var ErrInvalidRequest = errors.New("invalid request field")

var validRef = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Legacy multi-blob layout: the five objects stored per entry under
// owner/repo/branch/commit/<epoch-ms>/ by the pre-bundle uploader.
var legacyFiles = [5]string{"info", "stderr.log", "stdin.log", "stdout.log", "principal.zig"}

// CrashService owns all mutation of the crash hierarchy and the blob store.
type CrashService struct {
	db     database.DB
	store  storage.Backend
	logger *slog.Logger
}

func NewCrashService(db database.DB, store storage.Backend, logger *slog.Logger) *CrashService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashService{db: db, store: store, logger: logger}
}

func validateRef(value, label string) error {
	if !validRef.MatchString(value) {
		return fmt.Errorf("%w: %s %q", ErrInvalidRequest, label, value)
	}
	return nil
}

// legacyPrefix rebuilds the path-like blob key prefix used before bundles
// were stored as single objects.
func (s *CrashService) legacyPrefix(ctx context.Context, e *models.Entry) (string, error) {
	commit, err := s.db.GetCommit(ctx, e.CommitID)
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", e.CommitID, err)
	}
	branch, err := s.db.GetBranch(ctx, commit.BranchID)
	if err != nil {
		return "", fmt.Errorf("branch %s: %w", commit.BranchID, err)
	}
	repo, err := s.db.GetRepository(ctx, branch.RepositoryID)
	if err != nil {
		return "", fmt.Errorf("repository %s: %w", branch.RepositoryID, err)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%d",
		repo.Owner, repo.Name, branch.Name, commit.Hash, e.CreatedAt.UnixMilli()), nil
}

func infoText(e *models.Entry) string {
	return fmt.Sprintf("zig version: %s\nzls version: %s\n", e.ZigVersion, e.ZlsVersion)
}
