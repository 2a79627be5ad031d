package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zigtools/bamboo/internal/models"
)

// DeleteEntry removes an entry's blobs, then its row, then prunes every
// ancestor left childless. Blobs go first: a crash between the two phases
// leaves a row pointing at nothing, which a retried delete cleans up, instead
// of an orphaned blob nothing references.
func (s *CrashService) DeleteEntry(ctx context.Context, id string) error {
	e, err := s.db.GetEntry(ctx, id)
	if err != nil {
		return err
	}

	if err := s.deleteEntryBlobs(ctx, e); err != nil {
		return err
	}
	if err := s.db.DeleteEntry(ctx, e.ID); err != nil {
		return fmt.Errorf("delete entry row %s: %w", e.ID, err)
	}

	return s.pruneAfterEntry(ctx, e)
}

// DeleteGroup removes every entry in the group. The group row itself falls
// out when its last member is deleted; an already-empty group is removed
// directly.
func (s *CrashService) DeleteGroup(ctx context.Context, id string) error {
	if _, err := s.db.GetGroup(ctx, id); err != nil {
		return err
	}

	entries, err := s.db.ListGroupEntries(ctx, id)
	if err != nil {
		return fmt.Errorf("list group entries %s: %w", id, err)
	}
	for _, e := range entries {
		if err := s.DeleteEntry(ctx, e.ID); err != nil {
			return err
		}
	}

	if err := s.db.DeleteGroup(ctx, id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete group row %s: %w", id, err)
	}
	return nil
}

func (s *CrashService) deleteEntryBlobs(ctx context.Context, e *models.Entry) error {
	ok, err := s.store.Has(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("stat bundle %s: %w", e.ID, err)
	}
	if ok {
		if err := s.store.Delete(ctx, e.ID); err != nil {
			return fmt.Errorf("delete bundle %s: %w", e.ID, err)
		}
		return nil
	}

	// Legacy layout: remove whatever objects exist under the entry's
	// prefix. Listing instead of naming the five roles keeps a retried
	// delete from tripping over already-removed objects.
	prefix, err := s.legacyPrefix(ctx, e)
	if err != nil {
		return err
	}
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// pruneAfterEntry walks up from the deleted entry removing rows that lost
// their last child, commit then branch then repository, plus the entry's
// group. Hierarchy rows only exist while at least one entry needs them.
func (s *CrashService) pruneAfterEntry(ctx context.Context, e *models.Entry) error {
	if e.GroupID != "" {
		n, err := s.db.CountGroupEntries(ctx, e.GroupID)
		if err != nil {
			return fmt.Errorf("count group entries %s: %w", e.GroupID, err)
		}
		if n == 0 {
			if err := s.db.DeleteGroup(ctx, e.GroupID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("prune group %s: %w", e.GroupID, err)
			}
		}
	}

	commit, err := s.db.GetCommit(ctx, e.CommitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("commit %s: %w", e.CommitID, err)
	}
	n, err := s.db.CountCommitEntries(ctx, commit.ID)
	if err != nil {
		return fmt.Errorf("count commit entries %s: %w", commit.ID, err)
	}
	if n > 0 {
		return nil
	}
	if err := s.db.DeleteCommit(ctx, commit.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("prune commit %s: %w", commit.ID, err)
	}

	n, err = s.db.CountBranchCommits(ctx, commit.BranchID)
	if err != nil {
		return fmt.Errorf("count branch commits %s: %w", commit.BranchID, err)
	}
	if n > 0 {
		return nil
	}
	branch, err := s.db.GetBranch(ctx, commit.BranchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("branch %s: %w", commit.BranchID, err)
	}
	if err := s.db.DeleteBranch(ctx, branch.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("prune branch %s: %w", branch.ID, err)
	}

	n, err = s.db.CountRepositoryBranches(ctx, branch.RepositoryID)
	if err != nil {
		return fmt.Errorf("count repository branches %s: %w", branch.RepositoryID, err)
	}
	if n > 0 {
		return nil
	}
	if err := s.db.DeleteRepository(ctx, branch.RepositoryID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("prune repository %s: %w", branch.RepositoryID, err)
	}
	return nil
}
