package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zigtools/bamboo/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// Timestamps are stored as integer milliseconds since epoch. The upstream
// fuzzer stamps bundles with epoch-ms, and keeping the same unit end to end
// makes the conditional last-modified bump an integer comparison.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	last_modified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	last_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branches_repository ON branches(repository_id);

CREATE TABLE IF NOT EXISTS commits (
	id TEXT PRIMARY KEY,
	branch_id TEXT NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	hash TEXT NOT NULL,
	last_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(branch_id);

CREATE TABLE IF NOT EXISTS crash_groups (
	id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	last_modified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	commit_id TEXT NOT NULL REFERENCES commits(id) ON DELETE CASCADE,
	group_id TEXT REFERENCES crash_groups(id),
	zig_version TEXT NOT NULL DEFAULT '',
	zls_version TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_commit ON entries(commit_id);
CREATE INDEX IF NOT EXISTS idx_entries_group ON entries(group_id);

CREATE TABLE IF NOT EXISTS regroup_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regroup_jobs_claim ON regroup_jobs(status, next_attempt_at);
`

func (s *SQLiteDB) UpsertRepository(ctx context.Context, r *models.Repository) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (id, owner, name, last_modified) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified
		 WHERE excluded.last_modified > repositories.last_modified`,
		r.ID, r.Owner, r.Name, r.LastModified.UnixMilli())
	return err
}

func (s *SQLiteDB) UpsertBranch(ctx context.Context, b *models.Branch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, repository_id, name, last_modified) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified
		 WHERE excluded.last_modified > branches.last_modified`,
		b.ID, b.RepositoryID, b.Name, b.LastModified.UnixMilli())
	return err
}

func (s *SQLiteDB) UpsertCommit(ctx context.Context, c *models.Commit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commits (id, branch_id, hash, last_modified) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified
		 WHERE excluded.last_modified > commits.last_modified`,
		c.ID, c.BranchID, c.Hash, c.LastModified.UnixMilli())
	return err
}

// UpsertGroup never touches summary on conflict: the summary is fixed by the
// first writer.
func (s *SQLiteDB) UpsertGroup(ctx context.Context, g *models.Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crash_groups (id, summary, last_modified) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified
		 WHERE excluded.last_modified > crash_groups.last_modified`,
		g.ID, g.Summary, g.LastModified.UnixMilli())
	return err
}

func (s *SQLiteDB) CreateEntry(ctx context.Context, e *models.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, commit_id, group_id, zig_version, zls_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.CommitID, nullIfEmpty(e.GroupID), e.ZigVersion, e.ZlsVersion, e.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteDB) SetEntryGroup(ctx context.Context, entryID, groupID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET group_id = ? WHERE id = ?`, groupID, entryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	var r models.Repository
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, last_modified FROM repositories WHERE id = ?`, id).
		Scan(&r.ID, &r.Owner, &r.Name, &ms)
	if err != nil {
		return nil, err
	}
	r.LastModified = time.UnixMilli(ms).UTC()
	return &r, nil
}

func (s *SQLiteDB) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	var b models.Branch
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repository_id, name, last_modified FROM branches WHERE id = ?`, id).
		Scan(&b.ID, &b.RepositoryID, &b.Name, &ms)
	if err != nil {
		return nil, err
	}
	b.LastModified = time.UnixMilli(ms).UTC()
	return &b, nil
}

func (s *SQLiteDB) GetCommit(ctx context.Context, id string) (*models.Commit, error) {
	var c models.Commit
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, branch_id, hash, last_modified FROM commits WHERE id = ?`, id).
		Scan(&c.ID, &c.BranchID, &c.Hash, &ms)
	if err != nil {
		return nil, err
	}
	c.LastModified = time.UnixMilli(ms).UTC()
	return &c, nil
}

func (s *SQLiteDB) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, summary, last_modified FROM crash_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Summary, &ms)
	if err != nil {
		return nil, err
	}
	g.LastModified = time.UnixMilli(ms).UTC()
	return &g, nil
}

func (s *SQLiteDB) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	var e models.Entry
	var groupID sql.NullString
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE id = ?`, id).
		Scan(&e.ID, &e.CommitID, &groupID, &e.ZigVersion, &e.ZlsVersion, &ms)
	if err != nil {
		return nil, err
	}
	e.GroupID = groupID.String
	e.CreatedAt = time.UnixMilli(ms).UTC()
	return &e, nil
}

func (s *SQLiteDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, name, last_modified FROM repositories ORDER BY last_modified DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Repository
	for rows.Next() {
		var r models.Repository
		var ms int64
		if err := rows.Scan(&r.ID, &r.Owner, &r.Name, &ms); err != nil {
			return nil, err
		}
		r.LastModified = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ListBranches(ctx context.Context, repositoryID string) ([]models.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, name, last_modified FROM branches
		 WHERE repository_id = ? ORDER BY last_modified DESC`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Branch
	for rows.Next() {
		var b models.Branch
		var ms int64
		if err := rows.Scan(&b.ID, &b.RepositoryID, &b.Name, &ms); err != nil {
			return nil, err
		}
		b.LastModified = time.UnixMilli(ms).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ListCommits(ctx context.Context, branchID string) ([]models.Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, branch_id, hash, last_modified FROM commits
		 WHERE branch_id = ? ORDER BY last_modified DESC`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Commit
	for rows.Next() {
		var c models.Commit
		var ms int64
		if err := rows.Scan(&c.ID, &c.BranchID, &c.Hash, &ms); err != nil {
			return nil, err
		}
		c.LastModified = time.UnixMilli(ms).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) scanEntries(rows *sql.Rows) ([]models.Entry, error) {
	defer rows.Close()
	var out []models.Entry
	for rows.Next() {
		var e models.Entry
		var groupID sql.NullString
		var ms int64
		if err := rows.Scan(&e.ID, &e.CommitID, &groupID, &e.ZigVersion, &e.ZlsVersion, &ms); err != nil {
			return nil, err
		}
		e.GroupID = groupID.String
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ListCommitEntries(ctx context.Context, commitID string) ([]models.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE commit_id = ? ORDER BY created_at DESC`, commitID)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(rows)
}

func (s *SQLiteDB) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, summary, last_modified FROM crash_groups ORDER BY last_modified DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Group
	for rows.Next() {
		var g models.Group
		var ms int64
		if err := rows.Scan(&g.ID, &g.Summary, &ms); err != nil {
			return nil, err
		}
		g.LastModified = time.UnixMilli(ms).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ListGroupEntries(ctx context.Context, groupID string) ([]models.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE group_id = ? ORDER BY created_at DESC`, groupID)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(rows)
}

// ListUngroupedEntries returns entries without a group, oldest first. A
// non-positive limit returns all of them.
func (s *SQLiteDB) ListUngroupedEntries(ctx context.Context, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 disables the limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE group_id IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(rows)
}

func (s *SQLiteDB) DeleteEntry(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM entries WHERE id = ?`, id)
}

func (s *SQLiteDB) DeleteGroup(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM crash_groups WHERE id = ?`, id)
}

func (s *SQLiteDB) DeleteCommit(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM commits WHERE id = ?`, id)
}

func (s *SQLiteDB) DeleteBranch(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM branches WHERE id = ?`, id)
}

func (s *SQLiteDB) DeleteRepository(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM repositories WHERE id = ?`, id)
}

func (s *SQLiteDB) deleteByID(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) CountCommitEntries(ctx context.Context, commitID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM entries WHERE commit_id = ?`, commitID)
}

func (s *SQLiteDB) CountBranchCommits(ctx context.Context, branchID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM commits WHERE branch_id = ?`, branchID)
}

func (s *SQLiteDB) CountRepositoryBranches(ctx context.Context, repositoryID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM branches WHERE repository_id = ?`, repositoryID)
}

func (s *SQLiteDB) CountGroupEntries(ctx context.Context, groupID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM entries WHERE group_id = ?`, groupID)
}

func (s *SQLiteDB) count(ctx context.Context, query string, arg any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteDB) EnqueueRegroupJob(ctx context.Context, job *models.RegroupJob) error {
	now := time.Now().UTC()
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.RegroupJobQueued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO regroup_jobs (entry_id, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.EntryID, job.Status, job.Attempts, job.MaxAttempts, job.LastError,
		job.NextAttemptAt.UnixMilli(), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	job.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteDB) ClaimRegroupJob(ctx context.Context) (*models.RegroupJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var job models.RegroupJob
	var nextMs, createdMs, updatedMs int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, entry_id, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM regroup_jobs
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY id LIMIT 1`,
		models.RegroupJobQueued, now.UnixMilli()).
		Scan(&job.ID, &job.EntryID, &job.Status, &job.Attempts, &job.MaxAttempts,
			&job.LastError, &nextMs, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = models.RegroupJobRunning
	job.Attempts++
	job.NextAttemptAt = time.UnixMilli(nextMs).UTC()
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = now

	if _, err := tx.ExecContext(ctx,
		`UPDATE regroup_jobs SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		job.Status, job.Attempts, now.UnixMilli(), job.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteDB) CompleteRegroupJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE regroup_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		models.RegroupJobCompleted, time.Now().UTC().UnixMilli(), id)
	return err
}

func (s *SQLiteDB) FailRegroupJob(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	// A job that has exhausted its attempts is parked as failed; otherwise
	// it goes back to the queue with the new retry time.
	_, err := s.db.ExecContext(ctx,
		`UPDATE regroup_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
		     last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		models.RegroupJobFailed, models.RegroupJobQueued,
		lastError, nextAttemptAt.UnixMilli(), time.Now().UTC().UnixMilli(), id)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ DB = (*SQLiteDB)(nil)
