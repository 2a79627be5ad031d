package database

import (
	"context"
	"time"

	"github.com/zigtools/bamboo/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL
// backends.
//
// Upserts are create-if-absent with an optional last-modified bump; they are
// atomic per row, which is the only concurrency control the ingest pipeline
// needs. Entry creation is a silent no-op on conflict because entry ids are
// content-derived.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Hierarchy upserts
	UpsertRepository(ctx context.Context, r *models.Repository) error
	UpsertBranch(ctx context.Context, b *models.Branch) error
	UpsertCommit(ctx context.Context, c *models.Commit) error
	UpsertGroup(ctx context.Context, g *models.Group) error
	CreateEntry(ctx context.Context, e *models.Entry) error
	SetEntryGroup(ctx context.Context, entryID, groupID string) error

	// Lookups
	GetRepository(ctx context.Context, id string) (*models.Repository, error)
	GetBranch(ctx context.Context, id string) (*models.Branch, error)
	GetCommit(ctx context.Context, id string) (*models.Commit, error)
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	GetEntry(ctx context.Context, id string) (*models.Entry, error)

	ListRepositories(ctx context.Context) ([]models.Repository, error)
	ListBranches(ctx context.Context, repositoryID string) ([]models.Branch, error)
	ListCommits(ctx context.Context, branchID string) ([]models.Commit, error)
	ListCommitEntries(ctx context.Context, commitID string) ([]models.Entry, error)
	ListGroups(ctx context.Context) ([]models.Group, error)
	ListGroupEntries(ctx context.Context, groupID string) ([]models.Entry, error)
	ListUngroupedEntries(ctx context.Context, limit int) ([]models.Entry, error)

	// Deletion and pruning. Row-level only: blob cleanup ordering lives in
	// the service layer.
	DeleteEntry(ctx context.Context, id string) error
	DeleteGroup(ctx context.Context, id string) error
	DeleteCommit(ctx context.Context, id string) error
	DeleteBranch(ctx context.Context, id string) error
	DeleteRepository(ctx context.Context, id string) error
	CountCommitEntries(ctx context.Context, commitID string) (int64, error)
	CountBranchCommits(ctx context.Context, branchID string) (int64, error)
	CountRepositoryBranches(ctx context.Context, repositoryID string) (int64, error)
	CountGroupEntries(ctx context.Context, groupID string) (int64, error)

	// Regroup jobs
	EnqueueRegroupJob(ctx context.Context, job *models.RegroupJob) error
	ClaimRegroupJob(ctx context.Context) (*models.RegroupJob, error)
	CompleteRegroupJob(ctx context.Context, id int64) error
	FailRegroupJob(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error
}
