package models

import "time"

// All ids are content-derived sha256 hex strings (see internal/ident), so
// every row can be upserted idempotently and re-ingestion is a no-op.

type Repository struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"last_modified"`
}

type Branch struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"last_modified"`
}

type Commit struct {
	ID           string    `json:"id"`
	BranchID     string    `json:"branch_id"`
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"last_modified"`
}

// Group collects entries whose diagnostic logs produced the same crash
// summary, across unrelated repositories and commits. The summary is fixed
// at first creation.
type Group struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	LastModified time.Time `json:"last_modified"`
}

// Entry is one ingested fuzzing-run bundle. GroupID is empty when the
// diagnostic log contained a panic marker but no crash location could be
// matched; such entries are kept but stay ungrouped until a regroup pass.
type Entry struct {
	ID         string    `json:"id"`
	CommitID   string    `json:"commit_id"`
	GroupID    string    `json:"group_id,omitempty"`
	ZigVersion string    `json:"zig_version"`
	ZlsVersion string    `json:"zls_version"`
	CreatedAt  time.Time `json:"created_at"`
}

type RegroupJobStatus string

const (
	RegroupJobQueued    RegroupJobStatus = "queued"
	RegroupJobRunning   RegroupJobStatus = "running"
	RegroupJobCompleted RegroupJobStatus = "completed"
	RegroupJobFailed    RegroupJobStatus = "failed"
)

// RegroupJob re-runs signature extraction for one stored entry, attaching it
// to a group after the fact (e.g. following an extractor fix).
type RegroupJob struct {
	ID            int64            `json:"id"`
	EntryID       string           `json:"entry_id"`
	Status        RegroupJobStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"max_attempts"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
