package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/docstore-api/internal/models"
)

const fileColumns = `id, code, md5, size_bytes, extension_id, file_name, route_rule_id, company_id,
	document_type_id, channel_id, security_level_id, is_main, has_variants, is_used, is_shared,
	is_queued, is_backup, status, reference_count, document_emission_date, document_expiration_date,
	creation_date, modification_date, deactivation_date`

// FileTx exposes catalog mutations bound to one open transaction.
type FileTx interface {
	InsertFile(ctx context.Context, file *models.File) (bool, error)
	InsertVariant(ctx context.Context, variant *models.FileVariant) error
	InsertParameterValues(ctx context.Context, fileID int64, values []models.FileParameterValue) error
	CopyParameterValues(ctx context.Context, fromFileID, toFileID int64) error
	LockByCode(ctx context.Context, code string) (*models.File, error)
	LockByIDs(ctx context.Context, ids []int64) ([]models.File, error)
	LockDedupKeys(ctx context.Context, keys []models.DedupKey) error
	FindActiveByDedupKeys(ctx context.Context, keys []models.DedupKey) ([]models.File, error)
	FindDuplicate(ctx context.Context, key models.DedupKey, excludeID int64) (*models.File, error)
	Increment(ctx context.Context, code string) (*models.File, error)
	Decrement(ctx context.Context, code string) (*models.File, error)
	UpdateContent(ctx context.Context, file *models.File) error
	DeleteFiles(ctx context.Context, ids []int64) (int64, error)
	ResetQueued(ctx context.Context, ids []int64) (int64, error)
}

// ReclaimCandidate is a file flagged for reclamation by the scanner.
type ReclaimCandidate struct {
	ID        int64  `db:"id"`
	Code      string `db:"code"`
	IsVariant bool   `db:"is_variant"`
}

// FileRepository persists the document catalog.
type FileRepository struct {
	db *sqlx.DB
}

// NewFileRepository constructs the repository.
func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// WithinTx runs fn inside one transaction, committing when fn returns nil.
func (r *FileRepository) WithinTx(ctx context.Context, fn func(tx FileTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin file tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&fileTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit file tx: %w", err)
	}
	return nil
}

// FindActiveByDedupKeys returns active, non-archived files matching any of the (md5, route rule) pairs.
func (r *FileRepository) FindActiveByDedupKeys(ctx context.Context, keys []models.DedupKey) ([]models.File, error) {
	return findActiveByDedupKeys(ctx, r.db, keys)
}

func findActiveByDedupKeys(ctx context.Context, q sqlx.QueryerContext, keys []models.DedupKey) ([]models.File, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	md5s := make([]string, len(keys))
	routes := make([]int64, len(keys))
	for i, key := range keys {
		md5s[i] = key.MD5
		routes[i] = key.RouteRuleID
	}
	query := `SELECT ` + fileColumns + ` FROM file
	WHERE status AND NOT is_backup
	  AND (md5, route_rule_id) IN (SELECT * FROM unnest($1::text[], $2::bigint[]))
	ORDER BY id`
	var files []models.File
	if err := sqlx.SelectContext(ctx, q, &files, query, pq.Array(md5s), pq.Array(routes)); err != nil {
		return nil, fmt.Errorf("find files by dedup keys: %w", err)
	}
	return files, nil
}

// GetByCode retrieves one active file.
func (r *FileRepository) GetByCode(ctx context.Context, code string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM file WHERE code = $1 AND status`
	var file models.File
	if err := r.db.GetContext(ctx, &file, query, code); err != nil {
		return nil, err
	}
	return &file, nil
}

// ListExpired returns active, non-archived files whose effective expiration is on or before asOf.
func (r *FileRepository) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.File, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + fileColumns + ` FROM file
	WHERE status AND NOT is_backup
	  AND COALESCE(document_expiration_date, creation_date + INTERVAL '1 year') <= $1
	ORDER BY COALESCE(document_expiration_date, creation_date + INTERVAL '1 year') ASC, id ASC
	LIMIT $2`
	var files []models.File
	if err := r.db.SelectContext(ctx, &files, query, asOf, limit); err != nil {
		return nil, fmt.Errorf("list expired files: %w", err)
	}
	return files, nil
}

// MarkBackedUp flags a file as archived. It reports false when another run already did.
func (r *FileRepository) MarkBackedUp(ctx context.Context, id int64) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark backed up: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `UPDATE file SET is_backup = TRUE, modification_date = NOW() WHERE id = $1 AND NOT is_backup`
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark file backed up: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check backed up rows: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark backed up: %w", err)
	}
	return affected > 0, nil
}

// ClaimReclaimable flags unused files older than cutoff as queued and returns them.
// Archived files are retained. Rows locked by a concurrent scanner are skipped.
func (r *FileRepository) ClaimReclaimable(ctx context.Context, cutoff time.Time, limit int) ([]ReclaimCandidate, error) {
	if limit <= 0 {
		limit = 5000
	}
	const query = `UPDATE file f SET is_queued = TRUE, modification_date = NOW()
	WHERE f.id IN (
		SELECT id FROM file
		WHERE NOT is_used AND NOT is_queued AND NOT is_backup AND creation_date < $1
		ORDER BY creation_date, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING f.id, f.code, EXISTS (SELECT 1 FROM file_variant v WHERE v.variant_file_id = f.id) AS is_variant`
	var candidates []ReclaimCandidate
	if err := r.db.SelectContext(ctx, &candidates, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("claim reclaimable files: %w", err)
	}
	return candidates, nil
}

// ResetQueued clears the queued flag so the next scan picks the files up again.
func (r *FileRepository) ResetQueued(ctx context.Context, ids []int64) (int64, error) {
	return resetQueued(ctx, r.db, ids)
}

func resetQueued(ctx context.Context, exec sqlx.ExecerContext, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `UPDATE file SET is_queued = FALSE, modification_date = NOW() WHERE id = ANY($1)`
	res, err := exec.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("reset queued files: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check reset queued rows: %w", err)
	}
	return affected, nil
}

type fileTx struct {
	tx *sqlx.Tx
}

// InsertFile inserts the row and fills in id and timestamps. It returns false when the code is taken.
func (t *fileTx) InsertFile(ctx context.Context, file *models.File) (bool, error) {
	const query = `INSERT INTO file
	(code, md5, size_bytes, extension_id, file_name, route_rule_id, company_id, document_type_id,
	 channel_id, security_level_id, is_main, has_variants, is_used, is_shared, reference_count,
	 document_emission_date, document_expiration_date, creation_date, modification_date)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
	ON CONFLICT (code) DO NOTHING
	RETURNING id, creation_date, modification_date`
	if file.CreationDate.IsZero() {
		file.CreationDate = time.Now().UTC()
	}
	var row struct {
		ID               int64     `db:"id"`
		CreationDate     time.Time `db:"creation_date"`
		ModificationDate time.Time `db:"modification_date"`
	}
	err := t.tx.GetContext(ctx, &row, query,
		file.Code, file.MD5, file.SizeBytes, file.ExtensionID, file.FileName, file.RouteRuleID, file.CompanyID,
		file.DocumentTypeID, file.ChannelID, file.SecurityLevelID, file.IsMain, file.HasVariants,
		file.IsUsed, file.IsShared, file.ReferenceCount, file.DocumentEmissionDate, file.DocumentExpirationDate,
		file.CreationDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert file: %w", err)
	}
	file.ID = row.ID
	file.CreationDate = row.CreationDate
	file.ModificationDate = row.ModificationDate
	file.Status = true
	return true, nil
}

func (t *fileTx) InsertVariant(ctx context.Context, variant *models.FileVariant) error {
	const query = `INSERT INTO file_variant (main_file_id, variant_file_id, resolution, device_type, is_main)
	VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := t.tx.GetContext(ctx, &variant.ID, query, variant.MainFileID, variant.VariantFileID, variant.Resolution, variant.DeviceType, variant.IsMain); err != nil {
		return fmt.Errorf("insert file variant: %w", err)
	}
	return nil
}

func (t *fileTx) InsertParameterValues(ctx context.Context, fileID int64, values []models.FileParameterValue) error {
	const query = `INSERT INTO file_parameter_value (file_id, parameter_id, value) VALUES ($1, $2, $3)`
	for _, value := range values {
		if _, err := t.tx.ExecContext(ctx, query, fileID, value.ParameterID, value.Value); err != nil {
			return fmt.Errorf("insert parameter value %d: %w", value.ParameterID, err)
		}
	}
	return nil
}

func (t *fileTx) CopyParameterValues(ctx context.Context, fromFileID, toFileID int64) error {
	const query = `INSERT INTO file_parameter_value (file_id, parameter_id, value)
	SELECT $2, parameter_id, value FROM file_parameter_value WHERE file_id = $1 ORDER BY id`
	if _, err := t.tx.ExecContext(ctx, query, fromFileID, toFileID); err != nil {
		return fmt.Errorf("copy parameter values: %w", err)
	}
	return nil
}

// LockByCode loads an active file and holds its row lock until the transaction ends.
func (t *fileTx) LockByCode(ctx context.Context, code string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM file WHERE code = $1 AND status FOR UPDATE`
	var file models.File
	if err := t.tx.GetContext(ctx, &file, query, code); err != nil {
		return nil, err
	}
	return &file, nil
}

func (t *fileTx) LockByIDs(ctx context.Context, ids []int64) ([]models.File, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + fileColumns + ` FROM file WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	var files []models.File
	if err := t.tx.SelectContext(ctx, &files, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lock files: %w", err)
	}
	return files, nil
}

// LockDedupKeys takes a transaction-scoped advisory lock per (md5, route rule) pair.
// Keys are locked in a fixed order so two writers never wait on each other crosswise.
func (t *fileTx) LockDedupKeys(ctx context.Context, keys []models.DedupKey) error {
	sorted := append([]models.DedupKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MD5 != sorted[j].MD5 {
			return sorted[i].MD5 < sorted[j].MD5
		}
		return sorted[i].RouteRuleID < sorted[j].RouteRuleID
	})
	const query = `SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, query, key.MD5, key.RouteRuleID); err != nil {
			return fmt.Errorf("lock dedup key: %w", err)
		}
	}
	return nil
}

// FindActiveByDedupKeys is the in-transaction variant, meant to run after LockDedupKeys.
func (t *fileTx) FindActiveByDedupKeys(ctx context.Context, keys []models.DedupKey) ([]models.File, error) {
	return findActiveByDedupKeys(ctx, t.tx, keys)
}

// FindDuplicate returns another active, non-archived file with the same content under the same route rule.
func (t *fileTx) FindDuplicate(ctx context.Context, key models.DedupKey, excludeID int64) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM file
	WHERE md5 = $1 AND route_rule_id = $2 AND status AND NOT is_backup AND id <> $3
	ORDER BY id LIMIT 1 FOR UPDATE`
	var file models.File
	if err := t.tx.GetContext(ctx, &file, query, key.MD5, key.RouteRuleID, excludeID); err != nil {
		return nil, err
	}
	return &file, nil
}

// Increment adds one reference; flags are derived from the pre-update count in the same statement.
func (t *fileTx) Increment(ctx context.Context, code string) (*models.File, error) {
	query := `UPDATE file SET
		reference_count = reference_count + 1,
		is_used = TRUE,
		is_shared = reference_count + 1 > 1,
		deactivation_date = NULL,
		modification_date = NOW()
	WHERE code = $1 AND status
	RETURNING ` + fileColumns
	var file models.File
	if err := t.tx.GetContext(ctx, &file, query, code); err != nil {
		return nil, err
	}
	return &file, nil
}

// Decrement removes one reference. A file already at zero is left untouched.
func (t *fileTx) Decrement(ctx context.Context, code string) (*models.File, error) {
	query := `UPDATE file SET
		reference_count = GREATEST(reference_count - 1, 0),
		is_used = reference_count - 1 > 0,
		is_shared = reference_count - 1 > 1,
		deactivation_date = CASE WHEN reference_count = 1 THEN NOW() ELSE deactivation_date END,
		modification_date = CASE WHEN reference_count > 0 THEN NOW() ELSE modification_date END
	WHERE code = $1 AND status
	RETURNING ` + fileColumns
	var file models.File
	if err := t.tx.GetContext(ctx, &file, query, code); err != nil {
		return nil, err
	}
	return &file, nil
}

// UpdateContent replaces the content fields of an in-place update.
func (t *fileTx) UpdateContent(ctx context.Context, file *models.File) error {
	const query = `UPDATE file SET file_name = $2, size_bytes = $3, md5 = $4, extension_id = $5, modification_date = NOW()
	WHERE id = $1`
	res, err := t.tx.ExecContext(ctx, query, file.ID, file.FileName, file.SizeBytes, file.MD5, file.ExtensionID)
	if err != nil {
		return fmt.Errorf("update file content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check file content rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteFiles hard deletes the rows together with their parameter values and variant links.
func (t *fileTx) DeleteFiles(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	arg := pq.Array(ids)
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM file_parameter_value WHERE file_id = ANY($1)`, arg); err != nil {
		return 0, fmt.Errorf("delete parameter values: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM file_variant WHERE main_file_id = ANY($1) OR variant_file_id = ANY($1)`, arg); err != nil {
		return 0, fmt.Errorf("delete file variants: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM file WHERE id = ANY($1)`, arg)
	if err != nil {
		return 0, fmt.Errorf("delete files: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check deleted file rows: %w", err)
	}
	return affected, nil
}

func (t *fileTx) ResetQueued(ctx context.Context, ids []int64) (int64, error) {
	return resetQueued(ctx, t.tx, ids)
}
