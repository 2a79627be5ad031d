package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/zigtools/bamboo/internal/bundle"
	"github.com/zigtools/bamboo/internal/ident"
	"github.com/zigtools/bamboo/internal/models"
	"github.com/zigtools/bamboo/internal/signature"
)

// EnqueueRegroupJobs queues a regroup job for every ungrouped entry and
// returns the number queued. Typically invoked after a signature extractor
// fix so previously unmatchable crashes get a second pass.
func (s *CrashService) EnqueueRegroupJobs(ctx context.Context, maxAttempts int) (int, error) {
	entries, err := s.db.ListUngroupedEntries(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list ungrouped entries: %w", err)
	}

	queued := 0
	for _, e := range entries {
		job := &models.RegroupJob{
			EntryID:     e.ID,
			Status:      models.RegroupJobQueued,
			MaxAttempts: maxAttempts,
		}
		if err := s.db.EnqueueRegroupJob(ctx, job); err != nil {
			return queued, fmt.Errorf("enqueue regroup for %s: %w", e.ID, err)
		}
		queued++
	}
	return queued, nil
}

// RegroupEntry re-runs signature extraction over an entry's stored
// diagnostic log. An extraction that still yields no signature completes the
// job without changing the entry.
func (s *CrashService) RegroupEntry(ctx context.Context, entryID string) error {
	e, err := s.db.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e.GroupID != "" {
		return nil
	}

	rc, err := s.openStderr(ctx, e)
	if err != nil {
		return err
	}
	defer rc.Close()

	summary, err := signature.Extract(rc)
	if err != nil {
		if errors.Is(err, signature.ErrNoSignature) {
			s.logger.Info("regroup produced no signature", "entry", e.ID)
			return nil
		}
		return fmt.Errorf("extract signature for %s: %w", e.ID, err)
	}

	group := &models.Group{
		ID:           ident.GroupID(summary),
		Summary:      summary,
		LastModified: e.CreatedAt,
	}
	if err := s.db.UpsertGroup(ctx, group); err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	if err := s.db.SetEntryGroup(ctx, e.ID, group.ID); err != nil {
		return fmt.Errorf("set entry group: %w", err)
	}
	s.logger.Info("entry regrouped", "entry", e.ID, "group", group.ID)
	return nil
}

// openStderr returns the entry's inflated diagnostic log from whichever blob
// layout holds it.
func (s *CrashService) openStderr(ctx context.Context, e *models.Entry) (io.ReadCloser, error) {
	ok, err := s.store.Has(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("stat bundle %s: %w", e.ID, err)
	}
	if !ok {
		prefix, err := s.legacyPrefix(ctx, e)
		if err != nil {
			return nil, err
		}
		rc, err := s.store.Read(ctx, prefix+"/stderr.log")
		if err != nil {
			return nil, fmt.Errorf("read %s/stderr.log: %w", prefix, err)
		}
		return struct {
			io.Reader
			io.Closer
		}{flate.NewReader(rc), rc}, nil
	}

	rc, err := s.store.Read(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", e.ID, err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", e.ID, err)
	}
	b, err := bundle.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", e.ID, err)
	}
	return io.NopCloser(flate.NewReader(bytes.NewReader(b.Bytes(b.Stderr)))), nil
}
