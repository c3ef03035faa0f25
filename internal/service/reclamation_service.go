package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/jobs"
)

// Queue names used by the reclamation pipeline.
const (
	ReclamationQueue   = "file-reclamation"
	OrphanCleanupQueue = "file-orphan-cleanup"
)

type reclamationCatalog interface {
	fileTxRunner
	ClaimReclaimable(ctx context.Context, cutoff time.Time, limit int) ([]repository.ReclaimCandidate, error)
	ResetQueued(ctx context.Context, ids []int64) (int64, error)
}

type jobSender interface {
	Send(ctx context.Context, queue string, payload interface{}, opts jobs.SendOptions) (string, error)
}

type workerRegistry interface {
	Work(queue string, concurrency int, handler jobs.Handler) error
}

type byteRemover interface {
	Delete(name string) (bool, error)
}

// ReclamationServiceConfig holds the scan window, batching and queue retry policy.
type ReclamationServiceConfig struct {
	GraceWindow  time.Duration
	BatchSize    int
	BatchDelay   time.Duration
	ScanLimit    int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
}

// ReclamationService finds files nobody activated and deletes them through the queue.
type ReclamationService struct {
	catalog reclamationCatalog
	routes  routeResolver
	store   byteRemover
	queue   jobSender
	metrics *MetricsService
	logger  *zap.Logger
	cfg     ReclamationServiceConfig
	now     func() time.Time
}

// NewReclamationService constructs the service.
func NewReclamationService(catalog reclamationCatalog, routes routeResolver, store byteRemover, queue jobSender, metrics *MetricsService, logger *zap.Logger, cfg ReclamationServiceConfig) *ReclamationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 5000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &ReclamationService{
		catalog: catalog,
		routes:  routes,
		store:   store,
		queue:   queue,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Register attaches the batch and orphan cleanup handlers. Batches are processed one at a time.
func (s *ReclamationService) Register(registry workerRegistry) error {
	if err := registry.Work(ReclamationQueue, 1, s.HandleBatch); err != nil {
		return err
	}
	return registry.Work(OrphanCleanupQueue, 1, s.HandleOrphanCleanup)
}

func (s *ReclamationService) sendOptions(startAfter time.Duration) jobs.SendOptions {
	return jobs.SendOptions{
		StartAfter:   startAfter,
		RetryLimit:   s.cfg.RetryLimit,
		RetryDelay:   s.cfg.RetryDelay,
		RetryBackoff: s.cfg.RetryBackoff,
	}
}

// Scan flags unused files older than the grace window and enqueues them in staggered batches.
// A batch that cannot be enqueued is unflagged so the next scan picks it up again.
func (s *ReclamationService) Scan(ctx context.Context) (*models.ReclamationScanResult, error) {
	started := s.now()
	cutoff := started.Add(-s.cfg.GraceWindow)

	candidates, err := s.catalog.ClaimReclaimable(ctx, cutoff, s.cfg.ScanLimit)
	if err != nil {
		return nil, catalogError(err, "failed to claim unused files")
	}
	result := &models.ReclamationScanResult{Candidates: len(candidates)}
	if len(candidates) == 0 {
		s.logger.Debug("no files to reclaim")
		return result, nil
	}

	batches := splitBatches(candidates, s.cfg.BatchSize)
	result.Batches = len(batches)
	for i, batch := range batches {
		_, err := s.queue.Send(ctx, ReclamationQueue, batch, s.sendOptions(time.Duration(i)*s.cfg.BatchDelay))
		if err == nil {
			result.Dispatched++
			continue
		}
		result.DispatchFailures++
		dispatchErr := appErrors.WrapKind(appErrors.ErrQueueDispatch, err, "")
		s.logger.Error("enqueue reclamation batch failed",
			zap.Int("batch", batch.BatchNumber), zap.Int("files", len(batch.BatchIDs)),
			zap.String("error_kind", appErrors.Kind(dispatchErr)), zap.Error(err))
		reverted, err := s.catalog.ResetQueued(ctx, batch.BatchIDs)
		if err != nil {
			s.logger.Error("unflag undispatched batch failed", zap.Int64s("file_ids", batch.BatchIDs), zap.Error(err))
			continue
		}
		result.Reverted += int(reverted)
	}

	s.metrics.RecordReclamationScan(len(candidates)-result.Reverted, result.DispatchFailures)
	s.metrics.ObserveJob("reclamation_scan", s.now().Sub(started))
	s.logger.Info("reclamation scan completed",
		zap.Int("candidates", result.Candidates),
		zap.Int("batches", result.Batches),
		zap.Int("dispatch_failures", result.DispatchFailures),
	)
	if result.Dispatched == 0 {
		return result, appErrors.Clone(appErrors.ErrQueueDispatch, fmt.Sprintf("none of %d reclamation batches could be enqueued", result.Batches))
	}
	return result, nil
}

func splitBatches(candidates []repository.ReclaimCandidate, size int) []models.ReclamationBatch {
	total := (len(candidates) + size - 1) / size
	batches := make([]models.ReclamationBatch, 0, total)
	for start := 0; start < len(candidates); start += size {
		end := start + size
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := models.ReclamationBatch{BatchNumber: len(batches) + 1, TotalBatches: total}
		for _, c := range candidates[start:end] {
			fileType := models.BatchFileMain
			if c.IsVariant {
				fileType = models.BatchFileVariant
			}
			batch.BatchIDs = append(batch.BatchIDs, c.ID)
			batch.BatchFiles = append(batch.BatchFiles, models.BatchFile{ID: c.ID, Code: c.Code, Type: fileType})
		}
		batches = append(batches, batch)
	}
	return batches
}

// HandleBatch deletes the rows of one batch in a single transaction, then their bytes.
// Rows activated since the scan are unflagged and kept. A transaction failure is returned
// so the queue redelivers the batch.
func (s *ReclamationService) HandleBatch(ctx context.Context, job jobs.Job) error {
	started := s.now()
	var batch models.ReclamationBatch
	if err := job.Decode(&batch); err != nil {
		return err
	}

	var (
		paths []string
		tally models.ReclamationTally
	)
	err := s.catalog.WithinTx(ctx, func(tx repository.FileTx) error {
		paths = paths[:0]
		tally = models.ReclamationTally{}

		rows, err := tx.LockByIDs(ctx, batch.BatchIDs)
		if err != nil {
			return err
		}
		var kept, doomed []int64
		for i := range rows {
			row := &rows[i]
			if row.IsUsed {
				kept = append(kept, row.ID)
				continue
			}
			path, err := s.routes.ResolvePath(ctx, row)
			if err != nil {
				return err
			}
			doomed = append(doomed, row.ID)
			paths = append(paths, path)
		}
		if len(kept) > 0 {
			if _, err := tx.ResetQueued(ctx, kept); err != nil {
				return err
			}
			tally.Kept = len(kept)
		}
		if len(doomed) == 0 {
			return nil
		}
		_, err = tx.DeleteFiles(ctx, doomed)
		return err
	})
	if err != nil {
		s.logger.Warn("reclamation batch failed, will be redelivered",
			zap.String("job_id", job.ID), zap.Int("batch", batch.BatchNumber), zap.Int("attempt", job.Attempt), zap.Error(err))
		return catalogError(err, "failed to delete reclaimed files")
	}

	var failed []string
	for _, path := range paths {
		existed, err := s.store.Delete(path)
		switch {
		case err != nil:
			tally.Failed++
			failed = append(failed, path)
			s.logger.Warn("delete reclaimed bytes failed", zap.String("path", path), zap.Error(err))
		case existed:
			tally.Deleted++
		default:
			tally.Absent++
		}
	}
	if len(failed) > 0 {
		s.scheduleOrphanCleanup(ctx, failed)
	}

	s.metrics.RecordReclamation(tally.Deleted, tally.Absent, tally.Failed)
	s.metrics.ObserveJob("reclamation_batch", s.now().Sub(started))
	s.logger.Info("reclamation batch processed",
		zap.Int("batch", batch.BatchNumber),
		zap.Int("total_batches", batch.TotalBatches),
		zap.Int("deleted", tally.Deleted),
		zap.Int("absent", tally.Absent),
		zap.Int("failed", tally.Failed),
		zap.Int("kept", tally.Kept),
	)
	return nil
}

func (s *ReclamationService) scheduleOrphanCleanup(ctx context.Context, paths []string) {
	_, err := s.queue.Send(ctx, OrphanCleanupQueue, models.OrphanCleanup{Paths: paths}, s.sendOptions(s.cfg.RetryDelay))
	if err != nil {
		s.logger.Error("enqueue orphan cleanup failed; bytes left on disk", zap.Strings("paths", paths), zap.Error(err))
	}
}

// HandleOrphanCleanup retries byte deletion for rows that no longer exist.
func (s *ReclamationService) HandleOrphanCleanup(ctx context.Context, job jobs.Job) error {
	var payload models.OrphanCleanup
	if err := job.Decode(&payload); err != nil {
		return err
	}
	var remaining int
	for _, path := range payload.Paths {
		if _, err := s.store.Delete(path); err != nil {
			remaining++
			s.logger.Warn("orphan delete failed", zap.String("path", path), zap.Int("attempt", job.Attempt), zap.Error(err))
		}
	}
	if remaining > 0 {
		return appErrors.Clone(appErrors.ErrStorageIO, fmt.Sprintf("%d orphaned files could not be deleted", remaining))
	}
	s.logger.Info("orphan cleanup completed", zap.Int("paths", len(payload.Paths)))
	return nil
}
