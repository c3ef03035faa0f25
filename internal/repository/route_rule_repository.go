package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docstore-api/internal/models"
)

// RouteRuleRepository reads route rules maintained by the taxonomy service.
type RouteRuleRepository struct {
	db *sqlx.DB
}

// NewRouteRuleRepository constructs the repository.
func NewRouteRuleRepository(db *sqlx.DB) *RouteRuleRepository {
	return &RouteRuleRepository{db: db}
}

// FindMatch returns the most specific active rule for the classification.
// A rule bound to the company wins over a tenant-less one.
func (r *RouteRuleRepository) FindMatch(ctx context.Context, rc models.RouteContext) (*models.RouteRule, error) {
	const query = `SELECT id, company_id, document_type_id, channel_id, security_level_id, path_template, status
	FROM route_rule
	WHERE status AND document_type_id = $1 AND channel_id = $2 AND security_level_id = $3
	  AND (company_id = $4 OR company_id IS NULL)
	ORDER BY company_id IS NULL, id
	LIMIT 1`
	var rule models.RouteRule
	if err := r.db.GetContext(ctx, &rule, query, rc.DocumentTypeID, rc.ChannelID, rc.SecurityLevelID, rc.CompanyID); err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetByID loads one rule regardless of status so existing files keep resolving.
func (r *RouteRuleRepository) GetByID(ctx context.Context, id int64) (*models.RouteRule, error) {
	const query = `SELECT id, company_id, document_type_id, channel_id, security_level_id, path_template, status
	FROM route_rule WHERE id = $1`
	var rule models.RouteRule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		return nil, fmt.Errorf("get route rule %d: %w", id, err)
	}
	return &rule, nil
}
