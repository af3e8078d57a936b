package db

const (
	InsertJob = `
		INSERT INTO jobs (job_id, order_id, user_id, username, shop_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	InsertJobFile = `
		INSERT INTO job_files (job_id, position, file_id, filename, original_name, print_config)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	selectJob = `
		SELECT job_id, order_id, user_id, username, shop_id, status, error,
			created_at, processing_at, completed_at, failed_at, cancelled_at
		FROM jobs
	`

	GetJobByRef = selectJob + ` WHERE job_id = ? OR order_id = ? LIMIT 1`

	GetJobStatus = `SELECT status FROM jobs WHERE job_id = ?`

	ListPendingJobs = selectJob + ` WHERE status = 'pending' ORDER BY created_at ASC, rowid ASC LIMIT ?`

	ListJobFiles = `
		SELECT file_id, filename, original_name, print_config
		FROM job_files WHERE job_id = ? ORDER BY position ASC
	`

	// Exactly one caller can move a job out of pending.
	ClaimJob = `
		UPDATE jobs SET status = 'processing', processing_at = COALESCE(processing_at, ?)
		WHERE job_id = ? AND status = 'pending'
	`

	CompleteJob = `
		UPDATE jobs SET status = 'completed', completed_at = COALESCE(completed_at, ?)
		WHERE job_id = ? AND status = 'processing'
	`

	FailJob = `
		UPDATE jobs SET status = 'failed', error = ?, failed_at = COALESCE(failed_at, ?)
		WHERE job_id = ? AND status = 'processing'
	`

	CancelJob = `
		UPDATE jobs SET status = 'cancelled', cancelled_at = COALESCE(cancelled_at, ?)
		WHERE job_id = ? AND status = 'pending'
	`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	DeleteJobFiles = `DELETE FROM job_files WHERE job_id = ?`

	DeleteJob = `DELETE FROM jobs WHERE job_id = ?`
)

const (
	InsertBlob = `
		INSERT INTO blobs (file_id, filename, content_type, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	BlobExists = `SELECT 1 FROM blobs WHERE file_id = ?`

	GetBlobData = `SELECT data FROM blobs WHERE file_id = ?`

	GetBlobInfo = `SELECT file_id, filename, content_type, size, created_at FROM blobs WHERE file_id = ?`
)

const (
	InsertAuditLog = `
		INSERT INTO audit_log (action, entity_type, entity_id, details_json, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
)
