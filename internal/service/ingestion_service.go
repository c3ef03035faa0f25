package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/storage"
)

const (
	promoteAttempts = 3
	codeAttempts    = 5
)

var errCodeTaken = errors.New("file code already taken")

// errContentTaken aborts an insert after a concurrent request registered the same content.
var errContentTaken = errors.New("content registered concurrently")

type ingestCatalog interface {
	fileTxRunner
	FindActiveByDedupKeys(ctx context.Context, keys []models.DedupKey) ([]models.File, error)
}

// IngestPayload is one file of an ingestion request.
type IngestPayload struct {
	FileName               string
	Content                []byte
	ExtensionID            int64
	Route                  models.RouteContext
	DocumentEmissionDate   *time.Time
	DocumentExpirationDate *time.Time
	Parameters             []models.FileParameterValue
	Resolution             *string
	DeviceType             *string
}

// IngestRequest groups payloads. With AsVariants the payloads are renditions of one document.
type IngestRequest struct {
	Files      []IngestPayload
	AsVariants bool
}

// IngestResult reports the outcome for one payload, in request order.
type IngestResult struct {
	Index     int    `json:"index"`
	Code      string `json:"code"`
	FileName  string `json:"fileName"`
	MD5       string `json:"md5"`
	Duplicate bool   `json:"duplicate"`
	IsMain    bool   `json:"isMain"`
}

// IngestResponse aggregates the per-payload results.
type IngestResponse struct {
	Files      []IngestResult `json:"files"`
	Created    int            `json:"created"`
	Duplicates int            `json:"duplicates"`
}

// IngestionServiceConfig bounds request payloads.
type IngestionServiceConfig struct {
	MaxFileSize      int64
	MaxFilesPerBatch int
}

// IngestionService deduplicates and persists new documents.
type IngestionService struct {
	catalog ingestCatalog
	routes  routeResolver
	store   contentStore
	metrics *MetricsService
	logger  *zap.Logger
	cfg     IngestionServiceConfig
	newCode func() (string, error)
	now     func() time.Time
}

// NewIngestionService constructs the service.
func NewIngestionService(catalog ingestCatalog, routes routeResolver, store contentStore, metrics *MetricsService, logger *zap.Logger, cfg IngestionServiceConfig) *IngestionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 * 1024 * 1024
	}
	if cfg.MaxFilesPerBatch <= 0 {
		cfg.MaxFilesPerBatch = 20
	}
	return &IngestionService{
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

type ingestItem struct {
	index   int
	payload IngestPayload
	md5     string
	route   *models.ResolvedRoute
	// dupOf points at the earlier item of the same request carrying identical content.
	dupOf    *ingestItem
	existing *models.File
	file     *models.File
	path     string
	staged   *storage.StagedFile
}

// Ingest fingerprints every payload, reports duplicates of active files and persists the rest.
// Bytes are staged before the catalog transaction and promoted after it commits.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	items := make([]*ingestItem, len(req.Files))
	for i, payload := range req.Files {
		route, err := s.routes.ResolveRouteRule(ctx, payload.Route)
		if err != nil {
			return nil, err
		}
		items[i] = &ingestItem{index: i, payload: payload, md5: Fingerprint(payload.Content), route: route}
	}

	if err := s.detectDuplicates(ctx, items); err != nil {
		return nil, err
	}

	fresh := make([]*ingestItem, 0, len(items))
	for _, item := range items {
		if item.existing == nil && item.dupOf == nil {
			fresh = append(fresh, item)
		}
	}

	if len(fresh) > 0 {
		if err := s.persist(ctx, fresh, req.AsVariants); err != nil {
			return nil, err
		}
		followDuplicates(items)
	}

	resp := &IngestResponse{Files: make([]IngestResult, len(items))}
	for i, item := range items {
		switch {
		case item.existing != nil:
			resp.Files[i] = IngestResult{Index: i, Code: item.existing.Code, FileName: item.existing.FileName, MD5: item.md5, Duplicate: true, IsMain: item.existing.IsMain}
			resp.Duplicates++
		case item.dupOf != nil:
			resp.Files[i] = IngestResult{Index: i, Code: item.dupOf.file.Code, FileName: item.dupOf.file.FileName, MD5: item.md5, Duplicate: true, IsMain: item.dupOf.file.IsMain}
			resp.Duplicates++
		default:
			resp.Files[i] = IngestResult{Index: i, Code: item.file.Code, FileName: item.file.FileName, MD5: item.md5, IsMain: item.file.IsMain}
			resp.Created++
		}
	}
	s.metrics.RecordIngestion(resp.Created, resp.Duplicates)
	s.logger.Info("ingestion completed", zap.Int("created", resp.Created), zap.Int("duplicates", resp.Duplicates))
	return resp, nil
}

func (s *IngestionService) validate(req IngestRequest) error {
	if len(req.Files) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "at least one file is required")
	}
	if len(req.Files) > s.cfg.MaxFilesPerBatch {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d files per request", s.cfg.MaxFilesPerBatch))
	}
	for i, payload := range req.Files {
		if payload.FileName == "" {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: name is required", i))
		}
		if len(payload.Content) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: content is empty", i))
		}
		if int64(len(payload.Content)) > s.cfg.MaxFileSize {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %d: exceeds %d bytes limit", i, s.cfg.MaxFileSize))
		}
	}
	return nil
}

func (s *IngestionService) detectDuplicates(ctx context.Context, items []*ingestItem) error {
	keys := make([]models.DedupKey, 0, len(items))
	first := make(map[models.DedupKey]*ingestItem, len(items))
	for _, item := range items {
		key := models.DedupKey{MD5: item.md5, RouteRuleID: item.route.RouteRuleID}
		if earlier, ok := first[key]; ok {
			item.dupOf = earlier
			continue
		}
		first[key] = item
		keys = append(keys, key)
	}

	existing, err := s.catalog.FindActiveByDedupKeys(ctx, keys)
	if err != nil {
		return catalogError(err, "failed to look up existing files")
	}
	for i := range existing {
		file := existing[i]
		if item, ok := first[file.Key()]; ok && item.existing == nil {
			item.existing = &file
		}
	}
	followDuplicates(items)
	return nil
}

// followDuplicates makes later copies of a duplicate report the active file directly.
func followDuplicates(items []*ingestItem) {
	for _, item := range items {
		if item.dupOf != nil && item.dupOf.existing != nil {
			item.existing = item.dupOf.existing
			item.dupOf = nil
		}
	}
}

func pending(items []*ingestItem) []*ingestItem {
	out := items[:0:0]
	for _, item := range items {
		if item.existing == nil {
			out = append(out, item)
		}
	}
	return out
}

// persist registers fresh items. Items another request registered in the meantime are
// demoted to duplicates and the remainder is retried with new codes.
func (s *IngestionService) persist(ctx context.Context, fresh []*ingestItem, asVariants bool) error {
	for attempt := 1; ; {
		if fresh = pending(fresh); len(fresh) == 0 {
			return nil
		}
		if err := s.stage(ctx, fresh, asVariants); err != nil {
			return err
		}
		err := s.insert(ctx, fresh, asVariants)
		if err == nil {
			break
		}
		discardStaged(fresh)
		switch {
		case errors.Is(err, errContentTaken):
			s.logger.Info("content registered by a concurrent request, reporting duplicates")
		case errors.Is(err, errCodeTaken):
			if attempt >= codeAttempts {
				return appErrors.WrapKind(appErrors.ErrInternal, err, "could not allocate unique file codes")
			}
			attempt++
			s.logger.Warn("file code collision, regenerating", zap.Int("attempt", attempt))
		default:
			return catalogError(err, "failed to register files")
		}
	}

	if err := s.promote(ctx, fresh); err != nil {
		// compensation must outlive a cancelled request
		s.compensate(context.WithoutCancel(ctx), fresh)
		return storageError(err, "failed to store file content")
	}
	return nil
}

// stage builds the rows for fresh items and writes their bytes beside the final paths.
func (s *IngestionService) stage(ctx context.Context, fresh []*ingestItem, asVariants bool) error {
	created := s.now().UTC()
	for i, item := range fresh {
		code, err := s.newCode()
		if err != nil {
			discardStaged(fresh)
			return appErrors.WrapKind(appErrors.ErrInternal, err, "")
		}
		p := item.payload
		isMain := !asVariants || i == 0
		item.file = &models.File{
			Code:                   code,
			MD5:                    item.md5,
			SizeBytes:              int64(len(p.Content)),
			ExtensionID:            p.ExtensionID,
			FileName:               BuildFileName(p.FileName, code),
			RouteRuleID:            item.route.RouteRuleID,
			CompanyID:              p.Route.CompanyID,
			DocumentTypeID:         p.Route.DocumentTypeID,
			ChannelID:              p.Route.ChannelID,
			SecurityLevelID:        p.Route.SecurityLevelID,
			IsMain:                 isMain,
			HasVariants:            asVariants && i == 0 && len(fresh) > 1,
			Status:                 true,
			DocumentEmissionDate:   p.DocumentEmissionDate,
			DocumentExpirationDate: p.DocumentExpirationDate,
			CreationDate:           created,
		}
		path, err := s.routes.ResolvePath(ctx, item.file)
		if err != nil {
			discardStaged(fresh)
			return err
		}
		item.path = path
		staged, err := s.store.Stage(path, p.Content)
		if err != nil {
			discardStaged(fresh)
			return storageError(err, "failed to stage file content")
		}
		item.staged = staged
	}
	return nil
}

func (s *IngestionService) insert(ctx context.Context, fresh []*ingestItem, asVariants bool) error {
	return s.catalog.WithinTx(ctx, func(tx repository.FileTx) error {
		if err := recheckDuplicates(ctx, tx, fresh); err != nil {
			return err
		}
		var main *models.File
		for i, item := range fresh {
			inserted, err := tx.InsertFile(ctx, item.file)
			if err != nil {
				return err
			}
			if !inserted {
				return fmt.Errorf("%s: %w", item.file.Code, errCodeTaken)
			}
			if err := tx.InsertParameterValues(ctx, item.file.ID, item.payload.Parameters); err != nil {
				return err
			}
			if !asVariants {
				continue
			}
			if i == 0 {
				main = item.file
				continue
			}
			variant := &models.FileVariant{
				MainFileID:    main.ID,
				VariantFileID: item.file.ID,
				Resolution:    item.payload.Resolution,
				DeviceType:    item.payload.DeviceType,
			}
			if err := tx.InsertVariant(ctx, variant); err != nil {
				return err
			}
		}
		return nil
	})
}

// recheckDuplicates serialises writers of the same content and marks items that are
// already registered. It returns errContentTaken when any item was marked.
func recheckDuplicates(ctx context.Context, tx repository.FileTx, fresh []*ingestItem) error {
	keys := make([]models.DedupKey, len(fresh))
	for i, item := range fresh {
		keys[i] = item.file.Key()
	}
	if err := tx.LockDedupKeys(ctx, keys); err != nil {
		return err
	}
	existing, err := tx.FindActiveByDedupKeys(ctx, keys)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	byKey := make(map[models.DedupKey]*models.File, len(existing))
	for i := range existing {
		if _, ok := byKey[existing[i].Key()]; !ok {
			byKey[existing[i].Key()] = &existing[i]
		}
	}
	for _, item := range fresh {
		if file, ok := byKey[item.file.Key()]; ok {
			item.existing = file
		}
	}
	return errContentTaken
}

func (s *IngestionService) promote(ctx context.Context, fresh []*ingestItem) error {
	for _, item := range fresh {
		var err error
		for attempt := 1; attempt <= promoteAttempts; attempt++ {
			if err = item.staged.Promote(); err == nil {
				break
			}
			s.logger.Warn("promote staged file failed",
				zap.String("code", item.file.Code), zap.String("path", item.path), zap.Int("attempt", attempt), zap.Error(err))
			if attempt == promoteAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// compensate removes the rows and promoted bytes of a request whose content could not be stored.
func (s *IngestionService) compensate(ctx context.Context, fresh []*ingestItem) {
	ids := make([]int64, 0, len(fresh))
	for _, item := range fresh {
		ids = append(ids, item.file.ID)
	}
	err := s.catalog.WithinTx(ctx, func(tx repository.FileTx) error {
		_, err := tx.DeleteFiles(ctx, ids)
		return err
	})
	if err != nil {
		s.logger.Error("compensation failed; catalog rows reference missing content",
			zap.Int64s("file_ids", ids), zap.Error(err))
	}
	for _, item := range fresh {
		if item.staged.Promoted() {
			if _, err := s.store.Delete(item.path); err != nil {
				s.logger.Warn("remove promoted content", zap.String("path", item.path), zap.Error(err))
			}
			continue
		}
		if err := item.staged.Discard(); err != nil {
			s.logger.Warn("discard staged content", zap.String("path", item.path), zap.Error(err))
		}
	}
}

func discardStaged(items []*ingestItem) {
	for _, item := range items {
		if item.staged != nil {
			_ = item.staged.Discard()
			item.staged = nil
		}
	}
}
