package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docstore-api/internal/models"
)

// ArchivalLockKey is the advisory lock id serialising archival runs across processes.
const ArchivalLockKey int64 = 0x646f6373746f7265

// BackupLogRepository persists archival run logs.
type BackupLogRepository struct {
	db *sqlx.DB
}

// NewBackupLogRepository constructs the repository.
func NewBackupLogRepository(db *sqlx.DB) *BackupLogRepository {
	return &BackupLogRepository{db: db}
}

// GetByDate returns the log of the run on date, or sql.ErrNoRows.
func (r *BackupLogRepository) GetByDate(ctx context.Context, date time.Time) (*models.BackupExecutionLog, error) {
	const query = `SELECT id, execution_date, batch_id, total_files, success_count, fail_count, results, created_at
	FROM backup_execution_log WHERE execution_date = $1::date`
	var log models.BackupExecutionLog
	if err := r.db.GetContext(ctx, &log, query, date.Format("2006-01-02")); err != nil {
		return nil, err
	}
	return &log, nil
}

// Insert stores the log. It returns false when a row for the same date already exists.
func (r *BackupLogRepository) Insert(ctx context.Context, log *models.BackupExecutionLog) (bool, error) {
	const query = `INSERT INTO backup_execution_log
	(execution_date, batch_id, total_files, success_count, fail_count, results)
	VALUES ($1::date, $2, $3, $4, $5, $6)
	ON CONFLICT (execution_date) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		log.ExecutionDate.Format("2006-01-02"), log.BatchID, log.TotalFiles, log.SuccessCount, log.FailCount, log.Results)
	if err != nil {
		return false, fmt.Errorf("insert backup execution log: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check backup execution log rows: %w", err)
	}
	return affected > 0, nil
}

// TryLock takes a session advisory lock on a dedicated connection.
// When acquired, release must be called to unlock and return the connection.
func (r *BackupLogRepository) TryLock(ctx context.Context, key int64) (release func(), acquired bool, err error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock($1)`, key); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	release = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}
	return release, true, nil
}
