package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/storage"
)

type archivalCatalog interface {
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.File, error)
	MarkBackedUp(ctx context.Context, id int64) (bool, error)
}

type backupLogStore interface {
	GetByDate(ctx context.Context, date time.Time) (*models.BackupExecutionLog, error)
	Insert(ctx context.Context, log *models.BackupExecutionLog) (bool, error)
	TryLock(ctx context.Context, key int64) (func(), bool, error)
}

type archiveSource interface {
	Open(name string) (*os.File, error)
	Stat(name string) (int64, error)
	Delete(name string) (bool, error)
}

type backupStore interface {
	Copy(from storage.Source, name string) (int64, error)
	Stat(name string) (int64, error)
	Delete(name string) (bool, error)
	Path(name string) string
}

// ArchivalServiceConfig caps one run.
type ArchivalServiceConfig struct {
	PageSize    int
	Concurrency int
}

// ArchivalService moves expired files into the backup roots once per day.
type ArchivalService struct {
	catalog archivalCatalog
	logs    backupLogStore
	routes  routeResolver
	source  archiveSource
	public  backupStore
	private backupStore
	metrics *MetricsService
	logger  *zap.Logger
	cfg     ArchivalServiceConfig
	now     func() time.Time
}

// NewArchivalService constructs the service.
func NewArchivalService(catalog archivalCatalog, logs backupLogStore, routes routeResolver, source archiveSource, public, private backupStore, metrics *MetricsService, logger *zap.Logger, cfg ArchivalServiceConfig) *ArchivalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &ArchivalService{
		catalog: catalog,
		logs:    logs,
		routes:  routes,
		source:  source,
		public:  public,
		private: private,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run archives today's expired files unless a run for today is recorded or in progress.
func (s *ArchivalService) Run(ctx context.Context) (*models.BackupSummary, error) {
	started := s.now()
	today := executionDate(started)

	if summary, err := s.recorded(ctx, today); summary != nil || err != nil {
		return summary, err
	}

	release, acquired, err := s.logs.TryLock(ctx, repository.ArchivalLockKey)
	if err != nil {
		return nil, appErrors.WrapKind(appErrors.ErrInternal, err, "failed to acquire archival lock")
	}
	if !acquired {
		s.logger.Info("archival already running elsewhere", zap.Time("execution_date", today))
		s.metrics.RecordArchivalRun("in_progress", 0, 0)
		return &models.BackupSummary{ExecutionDate: today, AlreadyExecuted: true, InProgress: true}, nil
	}
	defer release()

	// another process may have finished between the first check and the lock
	if summary, err := s.recorded(ctx, today); summary != nil || err != nil {
		return summary, err
	}

	files, err := s.catalog.ListExpired(ctx, started, s.cfg.PageSize)
	if err != nil {
		return nil, catalogError(err, "failed to list expired files")
	}

	results := make(models.BackupFileResults, len(files))
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for i := range files {
		i := i
		p.Go(func() {
			results[i] = s.archive(ctx, &files[i])
		})
	}
	p.Wait()

	log := &models.BackupExecutionLog{
		ExecutionDate: today,
		BatchID:       uuid.NewString(),
		TotalFiles:    len(results),
		Results:       results,
	}
	for _, r := range results {
		if r.Outcome == models.BackupOutcomeSuccess {
			log.SuccessCount++
		} else {
			log.FailCount++
		}
	}

	inserted, err := s.logs.Insert(ctx, log)
	if err != nil {
		return nil, appErrors.WrapKind(appErrors.ErrInternal, err, "failed to record archival run")
	}
	s.metrics.RecordArchivalRun("executed", log.SuccessCount, log.FailCount)
	s.metrics.ObserveJob("archival", s.now().Sub(started))
	if !inserted {
		s.logger.Warn("archival log for today already recorded", zap.Time("execution_date", today), zap.String("batch_id", log.BatchID))
		stored, err := s.logs.GetByDate(ctx, today)
		if err != nil {
			return nil, catalogError(err, "failed to load archival log")
		}
		return models.SummaryFromLog(stored, true), nil
	}

	s.logger.Info("archival completed",
		zap.String("batch_id", log.BatchID),
		zap.Int("total", log.TotalFiles),
		zap.Int("success", log.SuccessCount),
		zap.Int("failed", log.FailCount),
	)
	return models.SummaryFromLog(log, false), nil
}

// Execution returns the stored log for date.
func (s *ArchivalService) Execution(ctx context.Context, date time.Time) (*models.BackupExecutionLog, error) {
	log, err := s.logs.GetByDate(ctx, executionDate(date))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no archival run on %s", date.Format("2006-01-02")))
		}
		return nil, catalogError(err, "failed to load archival log")
	}
	return log, nil
}

func (s *ArchivalService) recorded(ctx context.Context, today time.Time) (*models.BackupSummary, error) {
	log, err := s.logs.GetByDate(ctx, today)
	switch {
	case err == nil:
		s.logger.Info("archival already executed", zap.Time("execution_date", today), zap.String("batch_id", log.BatchID))
		s.metrics.RecordArchivalRun("already_executed", 0, 0)
		return models.SummaryFromLog(log, true), nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, catalogError(err, "failed to check archival log")
	}
}

// archive copies one file into its backup root, verifies it, flags the row and removes the source.
func (s *ArchivalService) archive(ctx context.Context, file *models.File) models.BackupFileResult {
	result := models.BackupFileResult{FileID: file.ID, Code: file.Code}
	fail := func(err error) models.BackupFileResult {
		result.Outcome = models.BackupOutcomeFailed
		result.ErrorKind = appErrors.Kind(err)
		result.Error = err.Error()
		s.logger.Warn("archive file failed", zap.String("code", file.Code), zap.String("error_kind", result.ErrorKind), zap.Error(err))
		return result
	}

	path, err := s.routes.ResolvePath(ctx, file)
	if err != nil {
		return fail(err)
	}
	size, err := s.source.Stat(path)
	if err != nil {
		return fail(storageError(err, "source unavailable"))
	}

	target := s.private
	if file.IsPublic() {
		target = s.public
	}
	result.BackupPath = target.Path(path)

	copied, err := target.Copy(s.source, path)
	if err != nil {
		s.removeBackup(target, path)
		return fail(storageError(err, "copy to backup failed"))
	}
	stored, err := target.Stat(path)
	if err != nil {
		s.removeBackup(target, path)
		return fail(storageError(err, "backup unreadable"))
	}
	if copied != size || stored != size {
		s.removeBackup(target, path)
		return fail(appErrors.Clone(appErrors.ErrIntegrity,
			fmt.Sprintf("backup size %d does not match source size %d", stored, size)))
	}

	marked, err := s.catalog.MarkBackedUp(ctx, file.ID)
	if err != nil {
		s.removeBackup(target, path)
		return fail(catalogError(err, "failed to flag file as archived"))
	}
	if !marked {
		return fail(appErrors.Clone(appErrors.ErrIllegalState, "file already archived"))
	}

	result.Outcome = models.BackupOutcomeSuccess
	result.SizeBytes = size
	if _, err := s.source.Delete(path); err != nil {
		s.logger.Warn("remove archived source failed", zap.String("code", file.Code), zap.String("path", path), zap.Error(err))
		return result
	}
	result.SourceDeleted = true
	return result
}

func (s *ArchivalService) removeBackup(target backupStore, path string) {
	if _, err := target.Delete(path); err != nil {
		s.logger.Warn("remove partial backup failed", zap.String("path", path), zap.Error(err))
	}
}

func executionDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
