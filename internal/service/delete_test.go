package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/zigtools/bamboo/internal/ident"
)

func TestDeleteEntryPrunesWholeLineage(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123",
		makeBundle(t, time.Now().UTC(), crashLog))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteEntry(ctx, entry.ID); err != nil {
		t.Fatal(err)
	}

	if ok, _ := store.Has(ctx, entry.ID); ok {
		t.Error("blob still present after delete")
	}
	repos, err := db.ListRepositories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 0 {
		t.Errorf("repositories not pruned: %+v", repos)
	}
	groups, err := db.ListGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Errorf("groups not pruned: %+v", groups)
	}
	if err := svc.DeleteEntry(ctx, entry.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second delete err = %v, want ErrNoRows", err)
	}
}

func TestDeleteEntryKeepsSharedAncestors(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	a, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", makeBundle(t, ts, crashLog))
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", makeBundle(t, ts.Add(time.Minute), crashLog))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("test needs two distinct entries")
	}

	if err := svc.DeleteEntry(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetCommit(ctx, b.CommitID); err != nil {
		t.Errorf("commit pruned while sibling entry remains: %v", err)
	}
	if _, err := db.GetGroup(ctx, b.GroupID); err != nil {
		t.Errorf("group pruned while member remains: %v", err)
	}
	if _, err := db.GetEntry(ctx, b.ID); err != nil {
		t.Errorf("sibling entry lost: %v", err)
	}
}

func TestDeleteGroupRemovesAllMembers(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	a, err := svc.Ingest(ctx, "zigtools", "zls", "master", "abc123", makeBundle(t, ts, crashLog))
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Ingest(ctx, "someone", "zls-fork", "fuzzing", "def456", makeBundle(t, ts.Add(time.Hour), crashLogOther))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteGroup(ctx, a.GroupID); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{a.ID, b.ID} {
		if _, err := db.GetEntry(ctx, id); !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("entry %s: err = %v, want ErrNoRows", id, err)
		}
		if ok, _ := store.Has(ctx, id); ok {
			t.Errorf("blob %s still present", id)
		}
	}
	repos, err := db.ListRepositories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 0 {
		t.Errorf("repositories not pruned: %+v", repos)
	}
}

func TestDeleteLegacyEntryBlobs(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()
	entry := seedLegacyEntry(t, svc, time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC))

	if err := svc.DeleteEntry(ctx, entry.ID); err != nil {
		t.Fatal(err)
	}

	keys, err := store.List(ctx, "zigtools")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("legacy blobs remain: %v", keys)
	}
	if _, err := db.GetEntry(ctx, entry.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("entry row remains: %v", err)
	}
}

func TestDeleteMissingTargets(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.DeleteEntry(ctx, ident.HashBytes([]byte("missing"))); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("DeleteEntry err = %v, want ErrNoRows", err)
	}
	if err := svc.DeleteGroup(ctx, ident.GroupID("missing")); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("DeleteGroup err = %v, want ErrNoRows", err)
	}
}
