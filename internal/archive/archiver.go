// Package archive moves finished jobs out of the live database into monthly
// SQLite archive files and can bring them back on request.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/printdesk/internal/config"
)

var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrJobNotArchived  = errors.New("job not found in archives")
)

const (
	archivePrefix = "archive_"
	archiveSuffix = ".db"
	runInterval   = 24 * time.Hour
)

type Archiver struct {
	db          *sql.DB
	archivePath string
	archiveDays int
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	Month     string    `json:"month"`
}

type archivedFile struct {
	Position     int             `json:"position"`
	FileID       string          `json:"file_id"`
	Filename     string          `json:"filename"`
	OriginalName string          `json:"original_name"`
	PrintConfig  json.RawMessage `json:"print_config"`
}

type archivedJob struct {
	JobID        string
	OrderID      string
	UserID       string
	Username     string
	ShopID       string
	Status       string
	Error        string
	CreatedAt    time.Time
	ProcessingAt sql.NullTime
	CompletedAt  sql.NullTime
	FailedAt     sql.NullTime
	CancelledAt  sql.NullTime
	Files        []archivedFile
}

func NewArchiver(conn *sql.DB, cfg *config.DatabaseConfig) (*Archiver, error) {
	path := cfg.ArchivePath
	if path == "" {
		path = "./data/archives"
	}
	days := cfg.ArchiveDays
	if days <= 0 {
		days = 30
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		db:          conn,
		archivePath: path,
		archiveDays: days,
		now:         time.Now,
		logger:      slog.Default().With("component", "archive"),
		stopCh:      make(chan struct{}),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.runDailyArchive(ctx)
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Archiver) runDailyArchive(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if n, err := a.RunArchive(ctx); err != nil {
				a.logger.Error("archive run failed", "error", err)
			} else if n > 0 {
				a.logger.Info("archived jobs", "count", n)
			}
		}
	}
}

// RunArchive moves terminal jobs that finished before the retention cutoff
// into this month's archive file. Their stored documents are dropped.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	cutoff := now.AddDate(0, 0, -a.archiveDays)

	jobs, err := a.getJobsForArchival(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to get jobs for archival: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	filename := archivePrefix + now.Format("2006_01") + archiveSuffix
	archiveDB, err := openArchiveDB(filepath.Join(a.archivePath, filename))
	if err != nil {
		return 0, fmt.Errorf("failed to create archive database: %w", err)
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	for _, job := range jobs {
		if err := insertArchivedJob(ctx, tx, job); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to insert job %s to archive: %w", job.JobID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`, now); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to update archive metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	if err := a.removeArchivedJobs(ctx, jobs, filename, now); err != nil {
		return 0, fmt.Errorf("failed to remove archived jobs: %w", err)
	}
	return len(jobs), nil
}

func (a *Archiver) getJobsForArchival(ctx context.Context, cutoff time.Time) ([]*archivedJob, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT job_id, order_id, user_id, username, shop_id, status, error,
			created_at, processing_at, completed_at, failed_at, cancelled_at
		FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND COALESCE(completed_at, failed_at, cancelled_at) < ?
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}

	var jobs []*archivedJob
	for rows.Next() {
		job := &archivedJob{}
		if err := rows.Scan(
			&job.JobID, &job.OrderID, &job.UserID, &job.Username, &job.ShopID, &job.Status, &job.Error,
			&job.CreatedAt, &job.ProcessingAt, &job.CompletedAt, &job.FailedAt, &job.CancelledAt,
		); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, job := range jobs {
		if job.Files, err = a.loadFiles(ctx, job.JobID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (a *Archiver) loadFiles(ctx context.Context, jobID string) ([]archivedFile, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT position, file_id, filename, original_name, print_config
		FROM job_files WHERE job_id = ? ORDER BY position ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []archivedFile
	for rows.Next() {
		var f archivedFile
		var cfg string
		if err := rows.Scan(&f.Position, &f.FileID, &f.Filename, &f.OriginalName, &cfg); err != nil {
			return nil, err
		}
		f.PrintConfig = json.RawMessage(cfg)
		files = append(files, f)
	}
	return files, rows.Err()
}

func openArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			shop_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			files_json TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			processing_at DATETIME,
			completed_at DATETIME,
			failed_at DATETIME,
			cancelled_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			source_database TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_jobs_order ON jobs(order_id);
		CREATE INDEX IF NOT EXISTS idx_archive_jobs_status ON jobs(status);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func insertArchivedJob(ctx context.Context, tx *sql.Tx, job *archivedJob) error {
	files, err := json.Marshal(job.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (job_id, order_id, user_id, username, shop_id, status, error, files_json,
			created_at, processing_at, completed_at, failed_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.JobID, job.OrderID, job.UserID, job.Username, job.ShopID, job.Status, job.Error, string(files),
		job.CreatedAt, job.ProcessingAt, job.CompletedAt, job.FailedAt, job.CancelledAt)
	return err
}

func (a *Archiver) removeArchivedJobs(ctx context.Context, jobs []*archivedJob, filename string, at time.Time) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		stmts := []struct {
			query string
			args  []interface{}
		}{
			{`DELETE FROM blobs WHERE file_id IN (SELECT file_id FROM job_files WHERE job_id = ?)`, []interface{}{job.JobID}},
			{`DELETE FROM job_files WHERE job_id = ?`, []interface{}{job.JobID}},
			{`DELETE FROM jobs WHERE job_id = ?`, []interface{}{job.JobID}},
			{`INSERT INTO archive_jobs (job_id, order_id, archive_file, archived_at) VALUES (?, ?, ?, ?)`,
				[]interface{}{job.JobID, job.OrderID, filename, at}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				tx.Rollback()
				return err
			}
		}
	}

	return tx.Commit()
}

func (a *Archiver) ListArchives(ctx context.Context) ([]*ArchiveFile, error) {
	entries, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		f := &ArchiveFile{
			Filename:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Month:     archiveMonth(entry.Name()),
		}
		if n, err := a.archiveJobCount(ctx, entry.Name()); err == nil {
			f.JobCount = n
		}
		archives = append(archives, f)
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename < archives[j].Filename })
	return archives, nil
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, archiveSuffix) &&
		filepath.Base(name) == name
}

func archiveMonth(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	if !isArchiveName(filename) {
		return nil, ErrArchiveNotFound
	}

	info, err := os.Stat(filepath.Join(a.archivePath, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	f := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		Month:     archiveMonth(filename),
	}
	if n, err := a.archiveJobCount(ctx, filename); err == nil {
		f.JobCount = n
	}
	return f, nil
}

// FilePath returns the on-disk path of an existing archive.
func (a *Archiver) FilePath(filename string) (string, error) {
	if !isArchiveName(filename) {
		return "", ErrArchiveNotFound
	}
	path := filepath.Join(a.archivePath, filename)
	if _, err := os.Stat(path); err != nil {
		return "", ErrArchiveNotFound
	}
	return path, nil
}

func (a *Archiver) archiveJobCount(ctx context.Context, filename string) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = ?`, filename).Scan(&count)
	return count, err
}

func (a *Archiver) DeleteArchive(ctx context.Context, filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.FilePath(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM archive_jobs WHERE archive_file = ?`, filename); err != nil {
		return fmt.Errorf("failed to delete archive job records: %w", err)
	}
	return nil
}

type ArchiveJobInfo struct {
	JobID       string    `json:"job_id"`
	OrderID     string    `json:"order_id"`
	ArchiveFile string    `json:"archive_file"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Lookup finds where a job was archived, by job id or order id.
func (a *Archiver) Lookup(ctx context.Context, ref string) (*ArchiveJobInfo, error) {
	info := &ArchiveJobInfo{}
	err := a.db.QueryRowContext(ctx, `
		SELECT job_id, order_id, archive_file, archived_at FROM archive_jobs
		WHERE job_id = ? OR order_id = ? ORDER BY id DESC LIMIT 1
	`, ref, ref).Scan(&info.JobID, &info.OrderID, &info.ArchiveFile, &info.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotArchived
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Restore copies an archived job back into the live database with its
// original status. Its documents are not recoverable.
func (a *Archiver) Restore(ctx context.Context, ref string) (*ArchiveJobInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := a.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	path, err := a.FilePath(info.ArchiveFile)
	if err != nil {
		return nil, err
	}
	archiveDB, err := openArchiveDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	defer archiveDB.Close()

	job := &archivedJob{}
	var files string
	err = archiveDB.QueryRowContext(ctx, `
		SELECT job_id, order_id, user_id, username, shop_id, status, error, files_json,
			created_at, processing_at, completed_at, failed_at, cancelled_at
		FROM jobs WHERE job_id = ?
	`, info.JobID).Scan(
		&job.JobID, &job.OrderID, &job.UserID, &job.Username, &job.ShopID, &job.Status, &job.Error, &files,
		&job.CreatedAt, &job.ProcessingAt, &job.CompletedAt, &job.FailedAt, &job.CancelledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query archived job: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &job.Files); err != nil {
		return nil, fmt.Errorf("failed to decode archived files: %w", err)
	}

	if err := a.restoreJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to restore job: %w", err)
	}
	if _, err := archiveDB.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, job.JobID); err != nil {
		a.logger.Warn("failed to drop restored job from archive file", "job_id", job.JobID, "error", err)
	}
	return info, nil
}

func (a *Archiver) restoreJob(ctx context.Context, job *archivedJob) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, order_id, user_id, username, shop_id, status, error,
			created_at, processing_at, completed_at, failed_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.JobID, job.OrderID, job.UserID, job.Username, job.ShopID, job.Status, job.Error,
		job.CreatedAt, job.ProcessingAt, job.CompletedAt, job.FailedAt, job.CancelledAt); err != nil {
		tx.Rollback()
		return err
	}

	for _, f := range job.Files {
		cfg := string(f.PrintConfig)
		if cfg == "" {
			cfg = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_files (job_id, position, file_id, filename, original_name, print_config)
			VALUES (?, ?, ?, ?, ?, ?)
		`, job.JobID, f.Position, f.FileID, f.Filename, f.OriginalName, cfg); err != nil {
			tx.Rollback()
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_jobs WHERE job_id = ?`, job.JobID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (a *Archiver) SetArchiveDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archiveDays = days
}

func (a *Archiver) ArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}

func (a *Archiver) Path() string {
	return a.archivePath
}
