package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/flate"

	"github.com/zigtools/bamboo/internal/bundle"
	"github.com/zigtools/bamboo/internal/ident"
	"github.com/zigtools/bamboo/internal/models"
	"github.com/zigtools/bamboo/internal/signature"
)

// Ingest decodes one uploaded bundle and materializes its hierarchy:
// repository, branch, commit and (when a signature was produced) group rows
// are upserted in dependency order, the entry row is created, and the raw
// bundle is stored under the entry id.
//
// Every id is a pure function of its natural key, so a failed ingest leaves
// only rows that the retry will reuse; nothing needs rolling back. Ingesting
// byte-identical bundles twice is a complete no-op after the first.
func (s *CrashService) Ingest(ctx context.Context, owner, repo, branchName, commitHash string, raw []byte) (*models.Entry, error) {
	for _, f := range []struct{ value, label string }{
		{owner, "owner"},
		{repo, "repo"},
		{branchName, "branch"},
		{commitHash, "commit"},
	} {
		if err := validateRef(f.value, f.label); err != nil {
			return nil, err
		}
	}

	b, err := bundle.Decode(raw)
	if err != nil {
		return nil, err
	}

	summary, err := s.extractSummary(b)
	grouped := true
	if err != nil {
		if !errors.Is(err, signature.ErrNoSignature) {
			return nil, err
		}
		// Panic marker without a matchable crash location: ingest the
		// entry, but do not fabricate a group key.
		grouped = false
		s.logger.Warn("panic location not matched, entry left ungrouped",
			"owner", owner, "repo", repo, "commit", commitHash)
	}

	ts := b.CreatedAt

	repository := &models.Repository{
		ID:           ident.RepositoryID(owner, repo),
		Owner:        owner,
		Name:         repo,
		LastModified: ts,
	}
	if err := s.db.UpsertRepository(ctx, repository); err != nil {
		return nil, fmt.Errorf("upsert repository: %w", err)
	}

	branch := &models.Branch{
		ID:           ident.BranchID(owner, repo, branchName),
		RepositoryID: repository.ID,
		Name:         branchName,
		LastModified: ts,
	}
	if err := s.db.UpsertBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("upsert branch: %w", err)
	}

	commit := &models.Commit{
		ID:           ident.CommitID(owner, repo, branchName, commitHash),
		BranchID:     branch.ID,
		Hash:         commitHash,
		LastModified: ts,
	}
	if err := s.db.UpsertCommit(ctx, commit); err != nil {
		return nil, fmt.Errorf("upsert commit: %w", err)
	}

	entry := &models.Entry{
		ID:         ident.EntryID(raw),
		CommitID:   commit.ID,
		ZigVersion: b.ZigVersion,
		ZlsVersion: b.ZlsVersion,
		CreatedAt:  ts,
	}
	if grouped {
		group := &models.Group{
			ID:           ident.GroupID(summary),
			Summary:      summary,
			LastModified: ts,
		}
		if err := s.db.UpsertGroup(ctx, group); err != nil {
			return nil, fmt.Errorf("upsert group: %w", err)
		}
		entry.GroupID = group.ID
	}

	if err := s.db.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}

	if err := s.store.Write(ctx, entry.ID, raw, map[string]string{
		"owner":  owner,
		"repo":   repo,
		"branch": branchName,
		"commit": commitHash,
	}); err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	return entry, nil
}

// extractSummary inflates the captured stderr stream and runs the signature
// scanner over it. A corrupt deflate stream is a malformed bundle.
func (s *CrashService) extractSummary(b *bundle.Bundle) (string, error) {
	fr := flate.NewReader(bytes.NewReader(b.Bytes(b.Stderr)))
	defer fr.Close()
	summary, err := signature.Extract(fr)
	if err != nil && !errors.Is(err, signature.ErrNoSignature) {
		return "", fmt.Errorf("%w: inflate stderr: %v", bundle.ErrTruncated, err)
	}
	return summary, err
}
