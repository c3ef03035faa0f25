package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
)

// UpdateMode describes how a replacement payload was applied.
type UpdateMode string

const (
	UpdateModeInPlace UpdateMode = "in_place"
	UpdateModeReuse   UpdateMode = "reuse"
	UpdateModeFork    UpdateMode = "fork"
	UpdateModeNoop    UpdateMode = "noop"
)

// UpdatePayload replaces the content of the file identified by Code.
// A zero ExtensionID keeps the current extension.
type UpdatePayload struct {
	Code        string
	FileName    string
	Content     []byte
	ExtensionID int64
}

// UpdateResult reports the code the caller must reference after the update.
type UpdateResult struct {
	Index        int        `json:"index"`
	OriginalCode string     `json:"originalCode"`
	Code         string     `json:"code"`
	FileName     string     `json:"fileName"`
	MD5          string     `json:"md5"`
	Mode         UpdateMode `json:"mode"`
}

// UpdateServiceConfig bounds update payloads.
type UpdateServiceConfig struct {
	MaxFileSize      int64
	MaxFilesPerBatch int
}

// UpdateService applies copy-on-write content updates.
type UpdateService struct {
	catalog fileTxRunner
	routes  routeResolver
	store   contentStore
	metrics *MetricsService
	logger  *zap.Logger
	cfg     UpdateServiceConfig
	newCode func() (string, error)
	now     func() time.Time
}

// NewUpdateService constructs the service.
func NewUpdateService(catalog fileTxRunner, routes routeResolver, store contentStore, metrics *MetricsService, logger *zap.Logger, cfg UpdateServiceConfig) *UpdateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 * 1024 * 1024
	}
	if cfg.MaxFilesPerBatch <= 0 {
		cfg.MaxFilesPerBatch = 20
	}
	return &UpdateService{
		catalog: catalog,
		routes:  routes,
		store:   store,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		newCode: GenerateCode,
		now:     time.Now,
	}
}

// updatePlan collects the filesystem side effects of one update attempt.
// undo runs in reverse order when the attempt fails; done runs after commit.
type updatePlan struct {
	undo []func() error
	done []func() error
}

func (p *updatePlan) onFailure(fn func() error) { p.undo = append(p.undo, fn) }
func (p *updatePlan) onSuccess(fn func() error) { p.done = append(p.done, fn) }

// Update applies a single replacement payload.
func (s *UpdateService) Update(ctx context.Context, payload UpdatePayload) (*UpdateResult, error) {
	results, err := s.UpdateBatch(ctx, []UpdatePayload{payload})
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// UpdateBatch applies every payload in one transaction. Any failure restores the
// original bytes of every file touched so far and rolls the catalog back.
func (s *UpdateService) UpdateBatch(ctx context.Context, payloads []UpdatePayload) ([]UpdateResult, error) {
	if err := s.validate(payloads); err != nil {
		return nil, err
	}

	var results []UpdateResult
	err := retryOnConflict(ctx, func() error {
		var err error
		results, err = s.attempt(ctx, payloads)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		s.metrics.RecordUpdate(string(r.Mode))
		s.logger.Info("file updated",
			zap.String("code", r.OriginalCode), zap.String("new_code", r.Code), zap.String("mode", string(r.Mode)))
	}
	return results, nil
}

func (s *UpdateService) attempt(ctx context.Context, payloads []UpdatePayload) ([]UpdateResult, error) {
	plan := &updatePlan{}
	results := make([]UpdateResult, len(payloads))

	err := s.catalog.WithinTx(ctx, func(tx repository.FileTx) error {
		for i, payload := range payloads {
			result, err := s.apply(ctx, tx, plan, payload)
			if err != nil {
				return err
			}
			result.Index = i
			results[i] = *result
		}
		return nil
	})
	if err != nil {
		s.rollback(plan)
		return nil, catalogError(err, "failed to update files")
	}

	for _, fn := range plan.done {
		if err := fn(); err != nil {
			s.logger.Warn("post-update cleanup failed", zap.Error(err))
		}
	}
	return results, nil
}

func (s *UpdateService) rollback(plan *updatePlan) {
	for i := len(plan.undo) - 1; i >= 0; i-- {
		if err := plan.undo[i](); err != nil {
			s.logger.Error("restore after failed update", zap.Error(err))
		}
	}
}

func (s *UpdateService) apply(ctx context.Context, tx repository.FileTx, plan *updatePlan, payload UpdatePayload) (*UpdateResult, error) {
	file, err := tx.LockByCode(ctx, payload.Code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("file %s not found", payload.Code))
		}
		return nil, err
	}

	md5 := Fingerprint(payload.Content)
	switch file.State() {
	case models.FileStateUnused:
		return nil, appErrors.Clone(appErrors.ErrIllegalState, fmt.Sprintf("file %s is not in use and cannot be updated", file.Code))
	case models.FileStateExclusive:
		return s.inPlace(ctx, tx, plan, file, payload, md5)
	default:
		return s.copyOnWrite(ctx, tx, plan, file, payload, md5)
	}
}

// inPlace replaces the bytes and content columns of a file nobody else references.
func (s *UpdateService) inPlace(ctx context.Context, tx repository.FileTx, plan *updatePlan, file *models.File, payload UpdatePayload, md5 string) (*UpdateResult, error) {
	oldPath, err := s.routes.ResolvePath(ctx, file)
	if err != nil {
		return nil, err
	}
	backup, err := s.store.Backup(oldPath)
	if err != nil {
		return nil, storageError(err, fmt.Sprintf("failed to back up %s", file.Code))
	}
	plan.onFailure(func() error {
		if err := backup.Restore(); err != nil {
			return err
		}
		return backup.Discard()
	})
	plan.onSuccess(backup.Discard)

	updated := *file
	updated.FileName = BuildFileName(payload.FileName, file.Code)
	updated.SizeBytes = int64(len(payload.Content))
	updated.MD5 = md5
	if payload.ExtensionID != 0 {
		updated.ExtensionID = payload.ExtensionID
	}
	if err := tx.UpdateContent(ctx, &updated); err != nil {
		return nil, err
	}

	newPath, err := s.routes.ResolvePath(ctx, &updated)
	if err != nil {
		return nil, err
	}
	if newPath != oldPath {
		plan.onFailure(s.deleteFunc(newPath))
		plan.onSuccess(s.deleteFunc(oldPath))
	}
	if err := s.store.Write(newPath, payload.Content); err != nil {
		return nil, storageError(err, fmt.Sprintf("failed to write %s", file.Code))
	}

	return &UpdateResult{OriginalCode: file.Code, Code: file.Code, FileName: updated.FileName, MD5: md5, Mode: UpdateModeInPlace}, nil
}

// copyOnWrite moves one reference of a shared file to matching or new content.
func (s *UpdateService) copyOnWrite(ctx context.Context, tx repository.FileTx, plan *updatePlan, file *models.File, payload UpdatePayload, md5 string) (*UpdateResult, error) {
	if md5 == file.MD5 {
		return &UpdateResult{OriginalCode: file.Code, Code: file.Code, FileName: file.FileName, MD5: md5, Mode: UpdateModeNoop}, nil
	}

	key := models.DedupKey{MD5: md5, RouteRuleID: file.RouteRuleID}
	if err := tx.LockDedupKeys(ctx, []models.DedupKey{key}); err != nil {
		return nil, err
	}
	existing, err := tx.FindDuplicate(ctx, key, file.ID)
	switch {
	case err == nil:
		if _, err := tx.Increment(ctx, existing.Code); err != nil {
			return nil, err
		}
		if _, err := tx.Decrement(ctx, file.Code); err != nil {
			return nil, err
		}
		return &UpdateResult{OriginalCode: file.Code, Code: existing.Code, FileName: existing.FileName, MD5: md5, Mode: UpdateModeReuse}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	fork, err := s.insertFork(ctx, tx, file, payload, md5)
	if err != nil {
		return nil, err
	}
	if err := tx.CopyParameterValues(ctx, file.ID, fork.ID); err != nil {
		return nil, err
	}
	path, err := s.routes.ResolvePath(ctx, fork)
	if err != nil {
		return nil, err
	}
	plan.onFailure(s.deleteFunc(path))
	if err := s.store.Write(path, payload.Content); err != nil {
		return nil, storageError(err, fmt.Sprintf("failed to write fork of %s", file.Code))
	}
	if _, err := tx.Decrement(ctx, file.Code); err != nil {
		return nil, err
	}
	return &UpdateResult{OriginalCode: file.Code, Code: fork.Code, FileName: fork.FileName, MD5: md5, Mode: UpdateModeFork}, nil
}

func (s *UpdateService) insertFork(ctx context.Context, tx repository.FileTx, original *models.File, payload UpdatePayload, md5 string) (*models.File, error) {
	extensionID := original.ExtensionID
	if payload.ExtensionID != 0 {
		extensionID = payload.ExtensionID
	}
	created := s.now().UTC()
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, appErrors.WrapKind(appErrors.ErrInternal, err, "")
		}
		fork := &models.File{
			Code:                   code,
			MD5:                    md5,
			SizeBytes:              int64(len(payload.Content)),
			ExtensionID:            extensionID,
			FileName:               BuildFileName(payload.FileName, code),
			RouteRuleID:            original.RouteRuleID,
			CompanyID:              original.CompanyID,
			DocumentTypeID:         original.DocumentTypeID,
			ChannelID:              original.ChannelID,
			SecurityLevelID:        original.SecurityLevelID,
			IsMain:                 true,
			IsUsed:                 true,
			Status:                 true,
			ReferenceCount:         1,
			DocumentEmissionDate:   original.DocumentEmissionDate,
			DocumentExpirationDate: original.DocumentExpirationDate,
			CreationDate:           created,
		}
		inserted, err := tx.InsertFile(ctx, fork)
		if err != nil {
			return nil, err
		}
		if inserted {
			return fork, nil
		}
		s.logger.Warn("file code collision on fork, regenerating", zap.String("code", code), zap.Int("attempt", attempt))
	}
	return nil, appErrors.WrapKind(appErrors.ErrInternal, errCodeTaken, "could not allocate a unique file code")
}

func (s *UpdateService) deleteFunc(path string) func() error {
	return func() error {
		_, err := s.store.Delete(path)
		return err
	}
}

func (s *UpdateService) validate(payloads []UpdatePayload) error {
	if len(payloads) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "at least one file is required")
	}
	if len(payloads) > s.cfg.MaxFilesPerBatch {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d files per request", s.cfg.MaxFilesPerBatch))
	}
	seen := make(map[string]bool, len(payloads))
	for i, p := range payloads {
		if !ValidCode(p.Code) {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: invalid code %q", i, p.Code))
		}
		if seen[p.Code] {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: code %s appears more than once", i, p.Code))
		}
		seen[p.Code] = true
		if p.FileName == "" {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: name is required", i))
		}
		if len(p.Content) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: content is empty", i))
		}
		if int64(len(p.Content)) > s.cfg.MaxFileSize {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: exceeds %d bytes limit", i, s.cfg.MaxFileSize))
		}
	}
	return nil
}
