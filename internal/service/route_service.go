package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/noah-isme/docstore-api/internal/models"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
)

type routeRuleStore interface {
	FindMatch(ctx context.Context, rc models.RouteContext) (*models.RouteRule, error)
	GetByID(ctx context.Context, id int64) (*models.RouteRule, error)
}

// RouteServiceConfig sizes the rule cache.
type RouteServiceConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// RouteService resolves route rules and renders storage paths from their templates.
type RouteService struct {
	repo      routeRuleStore
	byContext *expirable.LRU[string, *models.RouteRule]
	byID      *expirable.LRU[int64, *models.RouteRule]
	logger    *zap.Logger
	now       func() time.Time
}

// NewRouteService constructs the resolver with an expiring LRU cache.
func NewRouteService(repo routeRuleStore, cfg RouteServiceConfig, logger *zap.Logger) *RouteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &RouteService{
		repo:      repo,
		byContext: expirable.NewLRU[string, *models.RouteRule](cfg.CacheSize, nil, cfg.CacheTTL),
		byID:      expirable.NewLRU[int64, *models.RouteRule](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:    logger,
		now:       time.Now,
	}
}

// ResolveRouteRule picks the rule for a classification and renders its directory for files created now.
func (s *RouteService) ResolveRouteRule(ctx context.Context, rc models.RouteContext) (*models.ResolvedRoute, error) {
	rule, err := s.ruleFor(ctx, rc)
	if err != nil {
		return nil, err
	}
	return &models.ResolvedRoute{
		RouteRuleID: rule.ID,
		Path:        renderTemplate(rule.PathTemplate, rc, s.now().UTC()),
	}, nil
}

// ResolvePath returns the relative path of a file's bytes: the rule directory joined with the file name.
func (s *RouteService) ResolvePath(ctx context.Context, file *models.File) (string, error) {
	rule, err := s.ruleByID(ctx, file.RouteRuleID)
	if err != nil {
		return "", err
	}
	created := file.CreationDate
	if created.IsZero() {
		created = s.now()
	}
	dir := renderTemplate(rule.PathTemplate, file.RouteContext(), created.UTC())
	return path.Join(dir, file.FileName), nil
}

// Invalidate drops every cached rule.
func (s *RouteService) Invalidate() {
	s.byContext.Purge()
	s.byID.Purge()
}

func (s *RouteService) ruleFor(ctx context.Context, rc models.RouteContext) (*models.RouteRule, error) {
	key := contextKey(rc)
	if rule, ok := s.byContext.Get(key); ok {
		return rule, nil
	}
	rule, err := s.repo.FindMatch(ctx, rc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no route rule matches the document classification")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve route rule")
	}
	s.byContext.Add(key, rule)
	s.byID.Add(rule.ID, rule)
	return rule, nil
}

func (s *RouteService) ruleByID(ctx context.Context, id int64) (*models.RouteRule, error) {
	if rule, ok := s.byID.Get(id); ok {
		return rule, nil
	}
	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("route rule %d not found", id))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load route rule")
	}
	s.byID.Add(id, rule)
	return rule, nil
}

func contextKey(rc models.RouteContext) string {
	company := "-"
	if rc.CompanyID != nil {
		company = strconv.FormatInt(*rc.CompanyID, 10)
	}
	return fmt.Sprintf("%s:%d:%d:%d", company, rc.DocumentTypeID, rc.ChannelID, rc.SecurityLevelID)
}

func renderTemplate(tmpl string, rc models.RouteContext, at time.Time) string {
	company := "public"
	if rc.CompanyID != nil {
		company = strconv.FormatInt(*rc.CompanyID, 10)
	}
	replacer := strings.NewReplacer(
		"{companyId}", company,
		"{documentTypeId}", strconv.FormatInt(rc.DocumentTypeID, 10),
		"{channelId}", strconv.FormatInt(rc.ChannelID, 10),
		"{securityLevelId}", strconv.FormatInt(rc.SecurityLevelID, 10),
		"{yyyy}", at.Format("2006"),
		"{mm}", at.Format("01"),
	)
	rendered := path.Clean("/" + replacer.Replace(tmpl))
	return strings.TrimPrefix(rendered, "/")
}
