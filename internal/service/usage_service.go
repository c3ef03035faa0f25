package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
)

// UsageResult is the reference state of a file after a transition.
type UsageResult struct {
	Code           string           `json:"code"`
	ReferenceCount int              `json:"referenceCount"`
	State          models.FileState `json:"state"`
	IsUsed         bool             `json:"isUsed"`
	IsShared       bool             `json:"isShared"`
}

func usageResult(f *models.File) UsageResult {
	return UsageResult{
		Code:           f.Code,
		ReferenceCount: f.ReferenceCount,
		State:          f.State(),
		IsUsed:         f.IsUsed,
		IsShared:       f.IsShared,
	}
}

// UsageService tracks how many consumers reference each file.
type UsageService struct {
	catalog fileTxRunner
	metrics *MetricsService
	logger  *zap.Logger
}

// NewUsageService constructs the service.
func NewUsageService(catalog fileTxRunner, metrics *MetricsService, logger *zap.Logger) *UsageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageService{catalog: catalog, metrics: metrics, logger: logger}
}

// Activate adds one reference to every code in a single transaction.
func (s *UsageService) Activate(ctx context.Context, codes []string) ([]UsageResult, error) {
	results, err := s.apply(ctx, codes, func(tx repository.FileTx, code string) (*models.File, error) {
		return tx.Increment(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordReferenceChange(len(results))
	return results, nil
}

// Deactivate removes one reference from every code in a single transaction.
// Files already at zero references are reported unchanged.
func (s *UsageService) Deactivate(ctx context.Context, codes []string) ([]UsageResult, error) {
	results, err := s.apply(ctx, codes, func(tx repository.FileTx, code string) (*models.File, error) {
		return tx.Decrement(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordReferenceChange(-len(results))
	return results, nil
}

func (s *UsageService) apply(ctx context.Context, codes []string, step func(tx repository.FileTx, code string) (*models.File, error)) ([]UsageResult, error) {
	if err := validateCodes(codes); err != nil {
		return nil, err
	}
	var results []UsageResult
	err := retryOnConflict(ctx, func() error {
		results = make([]UsageResult, 0, len(codes))
		err := s.catalog.WithinTx(ctx, func(tx repository.FileTx) error {
			for _, code := range codes {
				file, err := step(tx, code)
				if err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("file %s not found", code))
					}
					return err
				}
				results = append(results, usageResult(file))
			}
			return nil
		})
		return catalogError(err, "failed to update file references")
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		s.logger.Debug("reference count changed", zap.String("code", r.Code), zap.Int("reference_count", r.ReferenceCount))
	}
	return results, nil
}

func validateCodes(codes []string) error {
	if len(codes) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "at least one code is required")
	}
	for _, code := range codes {
		if !ValidCode(code) {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid file code %q", code))
		}
	}
	return nil
}
