package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zigtools/bamboo/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	last_modified BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	last_modified BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branches_repository ON branches(repository_id);

CREATE TABLE IF NOT EXISTS commits (
	id TEXT PRIMARY KEY,
	branch_id TEXT NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	hash TEXT NOT NULL,
	last_modified BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(branch_id);

CREATE TABLE IF NOT EXISTS crash_groups (
	id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	last_modified BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	commit_id TEXT NOT NULL REFERENCES commits(id) ON DELETE CASCADE,
	group_id TEXT REFERENCES crash_groups(id),
	zig_version TEXT NOT NULL DEFAULT '',
	zls_version TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_commit ON entries(commit_id);
CREATE INDEX IF NOT EXISTS idx_entries_group ON entries(group_id);

CREATE TABLE IF NOT EXISTS regroup_jobs (
	id BIGSERIAL PRIMARY KEY,
	entry_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regroup_jobs_claim ON regroup_jobs(status, next_attempt_at);
`

func (p *PostgresDB) UpsertRepository(ctx context.Context, r *models.Repository) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO repositories (id, owner, name, last_modified) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET last_modified = EXCLUDED.last_modified
		 WHERE EXCLUDED.last_modified > repositories.last_modified`,
		r.ID, r.Owner, r.Name, r.LastModified.UnixMilli())
	return err
}

func (p *PostgresDB) UpsertBranch(ctx context.Context, b *models.Branch) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO branches (id, repository_id, name, last_modified) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET last_modified = EXCLUDED.last_modified
		 WHERE EXCLUDED.last_modified > branches.last_modified`,
		b.ID, b.RepositoryID, b.Name, b.LastModified.UnixMilli())
	return err
}

func (p *PostgresDB) UpsertCommit(ctx context.Context, c *models.Commit) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO commits (id, branch_id, hash, last_modified) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET last_modified = EXCLUDED.last_modified
		 WHERE EXCLUDED.last_modified > commits.last_modified`,
		c.ID, c.BranchID, c.Hash, c.LastModified.UnixMilli())
	return err
}

func (p *PostgresDB) UpsertGroup(ctx context.Context, g *models.Group) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO crash_groups (id, summary, last_modified) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET last_modified = EXCLUDED.last_modified
		 WHERE EXCLUDED.last_modified > crash_groups.last_modified`,
		g.ID, g.Summary, g.LastModified.UnixMilli())
	return err
}

func (p *PostgresDB) CreateEntry(ctx context.Context, e *models.Entry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO entries (id, commit_id, group_id, zig_version, zls_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.CommitID, nullIfEmpty(e.GroupID), e.ZigVersion, e.ZlsVersion, e.CreatedAt.UnixMilli())
	return err
}

func (p *PostgresDB) SetEntryGroup(ctx context.Context, entryID, groupID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE entries SET group_id = $1 WHERE id = $2`, groupID, entryID)
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

func (p *PostgresDB) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	var r models.Repository
	var ms int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner, name, last_modified FROM repositories WHERE id = $1`, id).
		Scan(&r.ID, &r.Owner, &r.Name, &ms)
	if err != nil {
		return nil, err
	}
	r.LastModified = time.UnixMilli(ms).UTC()
	return &r, nil
}

func (p *PostgresDB) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	var b models.Branch
	var ms int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, repository_id, name, last_modified FROM branches WHERE id = $1`, id).
		Scan(&b.ID, &b.RepositoryID, &b.Name, &ms)
	if err != nil {
		return nil, err
	}
	b.LastModified = time.UnixMilli(ms).UTC()
	return &b, nil
}

func (p *PostgresDB) GetCommit(ctx context.Context, id string) (*models.Commit, error) {
	var c models.Commit
	var ms int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, branch_id, hash, last_modified FROM commits WHERE id = $1`, id).
		Scan(&c.ID, &c.BranchID, &c.Hash, &ms)
	if err != nil {
		return nil, err
	}
	c.LastModified = time.UnixMilli(ms).UTC()
	return &c, nil
}

func (p *PostgresDB) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	var ms int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, summary, last_modified FROM crash_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Summary, &ms)
	if err != nil {
		return nil, err
	}
	g.LastModified = time.UnixMilli(ms).UTC()
	return &g, nil
}

func (p *PostgresDB) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	var e models.Entry
	var groupID sql.NullString
	var ms int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE id = $1`, id).
		Scan(&e.ID, &e.CommitID, &groupID, &e.ZigVersion, &e.ZlsVersion, &ms)
	if err != nil {
		return nil, err
	}
	e.GroupID = groupID.String
	e.CreatedAt = time.UnixMilli(ms).UTC()
	return &e, nil
}

func (p *PostgresDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *PostgresDB) ListBranches(ctx context.Context, repositoryID string) ([]models.Branch, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, repository_id, name, last_modified FROM branches
		 WHERE repository_id = $1 ORDER BY last_modified DESC`, repositoryID)
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

func (p *PostgresDB) ListCommits(ctx context.Context, branchID string) ([]models.Commit, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, branch_id, hash, last_modified FROM commits
		 WHERE branch_id = $1 ORDER BY last_modified DESC`, branchID)
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

func (p *PostgresDB) scanEntries(rows *sql.Rows) ([]models.Entry, error) {
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

func (p *PostgresDB) ListCommitEntries(ctx context.Context, commitID string) ([]models.Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE commit_id = $1 ORDER BY created_at DESC`, commitID)
	if err != nil {
		return nil, err
	}
	return p.scanEntries(rows)
}

func (p *PostgresDB) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *PostgresDB) ListGroupEntries(ctx context.Context, groupID string) ([]models.Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE group_id = $1 ORDER BY created_at DESC`, groupID)
	if err != nil {
		return nil, err
	}
	return p.scanEntries(rows)
}

func (p *PostgresDB) ListUngroupedEntries(ctx context.Context, limit int) ([]models.Entry, error) {
	query := `SELECT id, commit_id, group_id, zig_version, zls_version, created_at
		 FROM entries WHERE group_id IS NULL ORDER BY created_at ASC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = p.db.QueryContext(ctx, query+` LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	return p.scanEntries(rows)
}

func (p *PostgresDB) DeleteEntry(ctx context.Context, id string) error {
	return p.deleteByID(ctx, `DELETE FROM entries WHERE id = $1`, id)
}

func (p *PostgresDB) DeleteGroup(ctx context.Context, id string) error {
	return p.deleteByID(ctx, `DELETE FROM crash_groups WHERE id = $1`, id)
}

func (p *PostgresDB) DeleteCommit(ctx context.Context, id string) error {
	return p.deleteByID(ctx, `DELETE FROM commits WHERE id = $1`, id)
}

func (p *PostgresDB) DeleteBranch(ctx context.Context, id string) error {
	return p.deleteByID(ctx, `DELETE FROM branches WHERE id = $1`, id)
}

func (p *PostgresDB) DeleteRepository(ctx context.Context, id string) error {
	return p.deleteByID(ctx, `DELETE FROM repositories WHERE id = $1`, id)
}

func (p *PostgresDB) deleteByID(ctx context.Context, query, id string) error {
	res, err := p.db.ExecContext(ctx, query, id)
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

func (p *PostgresDB) CountCommitEntries(ctx context.Context, commitID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM entries WHERE commit_id = $1`, commitID)
}

func (p *PostgresDB) CountBranchCommits(ctx context.Context, branchID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM commits WHERE branch_id = $1`, branchID)
}

func (p *PostgresDB) CountRepositoryBranches(ctx context.Context, repositoryID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM branches WHERE repository_id = $1`, repositoryID)
}

func (p *PostgresDB) CountGroupEntries(ctx context.Context, groupID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM entries WHERE group_id = $1`, groupID)
}

func (p *PostgresDB) count(ctx context.Context, query string, arg any) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, query, arg).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *PostgresDB) EnqueueRegroupJob(ctx context.Context, job *models.RegroupJob) error {
	now := time.Now().UTC()
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.RegroupJobQueued
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO regroup_jobs (entry_id, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		job.EntryID, job.Status, job.Attempts, job.MaxAttempts, job.LastError,
		job.NextAttemptAt.UnixMilli(), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli()).
		Scan(&job.ID)
}

func (p *PostgresDB) ClaimRegroupJob(ctx context.Context) (*models.RegroupJob, error) {
	now := time.Now().UTC()
	var job models.RegroupJob
	var nextMs, createdMs, updatedMs int64
	err := p.db.QueryRowContext(ctx,
		`UPDATE regroup_jobs
		 SET status = $1, attempts = attempts + 1, updated_at = $2
		 WHERE id = (
		 	SELECT id FROM regroup_jobs
		 	WHERE status = $3 AND next_attempt_at <= $4
		 	ORDER BY id LIMIT 1
		 	FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, entry_id, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at`,
		models.RegroupJobRunning, now.UnixMilli(),
		models.RegroupJobQueued, now.UnixMilli()).
		Scan(&job.ID, &job.EntryID, &job.Status, &job.Attempts, &job.MaxAttempts,
			&job.LastError, &nextMs, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.NextAttemptAt = time.UnixMilli(nextMs).UTC()
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &job, nil
}

func (p *PostgresDB) CompleteRegroupJob(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE regroup_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		models.RegroupJobCompleted, time.Now().UTC().UnixMilli(), id)
	return err
}

func (p *PostgresDB) FailRegroupJob(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE regroup_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
		     last_error = $3, next_attempt_at = $4, updated_at = $5
		 WHERE id = $6`,
		models.RegroupJobFailed, models.RegroupJobQueued,
		lastError, nextAttemptAt.UnixMilli(), time.Now().UTC().UnixMilli(), id)
	return err
}

var _ DB = (*PostgresDB)(nil)
