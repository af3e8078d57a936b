package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printdesk/internal/core"
)

// Store is the SQLite job and blob store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Create persists a new pending job with its files. Missing job and order
// ids are generated.
func (s *Store) Create(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.OrderID == "" {
		job.OrderID = "ORD-" + strings.ToUpper(uuid.New().String()[:8])
	}
	job.Status = core.JobStatusPending
	job.CreatedAt = s.now().UTC()
	job.Timeline = map[string]time.Time{core.TimelineCreated: job.CreatedAt}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, InsertJob,
		job.ID, job.OrderID, job.UserID, job.Username, job.ShopID,
		job.Status, job.CreatedAt); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for i, f := range job.Files {
		cfg, err := json.Marshal(f.Config)
		if err != nil {
			return fmt.Errorf("failed to encode print config: %w", err)
		}
		if _, err := tx.ExecContext(ctx, InsertJobFile,
			job.ID, i, string(f.FileID), f.Filename, f.OriginalName, string(cfg)); err != nil {
			return fmt.Errorf("failed to create job file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref string) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, GetJobByRef, ref, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := s.loadFiles(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ShopID != "" {
		conditions = append(conditions, "shop_id = ?")
		args = append(args, filter.ShopID)
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := selectJob
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryJobs(ctx, query, args...)
}

// FindProcessing returns processing jobs whose ids are not in exclude.
func (s *Store) FindProcessing(ctx context.Context, exclude []string) ([]*core.Job, error) {
	query := selectJob + " WHERE status = 'processing'"
	args := make([]interface{}, 0, len(exclude))
	if len(exclude) > 0 {
		query += " AND job_id NOT IN (?" + strings.Repeat(", ?", len(exclude)-1) + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) FindPending(ctx context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryJobs(ctx, ListPendingJobs, limit)
}

func (s *Store) Claim(ctx context.Context, jobID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, ClaimJob, at.UTC(), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) Complete(ctx context.Context, jobID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, CompleteJob, at.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.checkTransition(ctx, result, jobID, core.JobStatusCompleted)
}

func (s *Store) Fail(ctx context.Context, jobID, errMsg string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, FailJob, errMsg, at.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return s.checkTransition(ctx, result, jobID, core.JobStatusFailed)
}

// Cancel withdraws a job that has not been claimed yet.
func (s *Store) Cancel(ctx context.Context, ref string) (*core.Job, error) {
	job, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, CancelJob, s.now().UTC(), job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if err := s.checkTransition(ctx, result, job.ID, core.JobStatusCancelled); err != nil {
		return nil, err
	}
	return s.Get(ctx, job.ID)
}

func (s *Store) checkTransition(ctx context.Context, result sql.Result, jobID string, to core.JobStatus) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, GetJobStatus, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, status, to)
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (map[core.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	stats := make(map[core.JobStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats[core.JobStatus(status)] = count
	}
	return stats, rows.Err()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The pool holds one connection, so files load after the cursor is closed.
	for _, job := range jobs {
		if err := s.loadFiles(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) loadFiles(ctx context.Context, job *core.Job) error {
	rows, err := s.db.QueryContext(ctx, ListJobFiles, job.ID)
	if err != nil {
		return fmt.Errorf("failed to list job files: %w", err)
	}
	defer rows.Close()

	job.Files = nil
	for rows.Next() {
		var f core.FileRef
		var fileID, cfg string
		if err := rows.Scan(&fileID, &f.Filename, &f.OriginalName, &cfg); err != nil {
			return fmt.Errorf("failed to scan job file: %w", err)
		}
		f.FileID = core.FileID(fileID)
		if cfg != "" {
			if err := json.Unmarshal([]byte(cfg), &f.Config); err != nil {
				return fmt.Errorf("failed to decode print config for job %s: %w", job.ID, err)
			}
		}
		job.Files = append(job.Files, f)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*core.Job, error) {
	job := &core.Job{}
	var status string
	var processing, completed, failed, cancelled sql.NullTime
	if err := row.Scan(
		&job.ID, &job.OrderID, &job.UserID, &job.Username, &job.ShopID,
		&status, &job.Error, &job.CreatedAt,
		&processing, &completed, &failed, &cancelled); err != nil {
		return nil, err
	}
	job.Status = core.JobStatus(status)
	job.Timeline = map[string]time.Time{core.TimelineCreated: job.CreatedAt}
	for key, t := range map[string]sql.NullTime{
		core.TimelineProcessing:         processing,
		core.TimelineCompleted:          completed,
		core.TimelineFailed:             failed,
		string(core.JobStatusCancelled): cancelled,
	} {
		if t.Valid {
			job.Timeline[key] = t.Time
		}
	}
	return job, nil
}

// PutBlob stores a document and returns its content address.
func (s *Store) PutBlob(ctx context.Context, filename, contentType string, r io.Reader) (core.FileID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read blob: %w", err)
	}
	id := core.FileID(uuid.New().String())
	if _, err := s.db.ExecContext(ctx, InsertBlob,
		string(id), filename, contentType, len(data), data, s.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return id, nil
}

func (s *Store) Exists(ctx context.Context, id core.FileID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, BlobExists, string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blob: %w", err)
	}
	return true, nil
}

func (s *Store) Open(ctx context.Context, id core.FileID) (io.ReadCloser, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, GetBlobData, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) BlobInfo(ctx context.Context, id core.FileID) (*Blob, error) {
	b := &Blob{}
	var fileID string
	err := s.db.QueryRowContext(ctx, GetBlobInfo, string(id)).Scan(
		&fileID, &b.Filename, &b.ContentType, &b.Size, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	b.FileID = core.FileID(fileID)
	return b, nil
}

func (s *Store) RecordAudit(ctx context.Context, log *AuditLog) error {
	if log.DetailsJSON == "" {
		log.DetailsJSON = "{}"
	}
	log.CreatedAt = s.now().UTC()
	result, err := s.db.ExecContext(ctx, InsertAuditLog,
		log.Action, log.EntityType, log.EntityID, log.DetailsJSON, log.IPAddress, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit log id: %w", err)
	}
	log.ID = id
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditLog, error) {
	var conditions []string
	var args []interface{}

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := "SELECT id, action, entity_type, entity_id, details_json, ip_address, created_at FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		log := &AuditLog{}
		if err := rows.Scan(
			&log.ID, &log.Action, &log.EntityType, &log.EntityID,
			&log.DetailsJSON, &log.IPAddress, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
