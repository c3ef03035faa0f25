package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
)

// memCatalog is an in-memory stand-in for the file repository. Transactions are
// serialised and roll back by restoring a snapshot.
type memCatalog struct {
	mu         sync.Mutex
	nextID     int64
	files      map[int64]*models.File
	variants   []models.FileVariant
	params     []models.FileParameterValue
	errs       map[string]error
	takenOnce  map[string]bool
	txCount    int
	lockedKeys []models.DedupKey
	beforeTx   func() // runs ahead of every transaction, outside the catalog lock
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		files:     make(map[int64]*models.File),
		errs:      make(map[string]error),
		takenOnce: make(map[string]bool),
	}
}

// failNext makes the next call of op return err.
func (c *memCatalog) failNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[op] = err
}

func (c *memCatalog) fail(op string) error {
	if err, ok := c.errs[op]; ok {
		delete(c.errs, op)
		return err
	}
	return nil
}

// seed stores a copy of file and returns the stored row.
func (c *memCatalog) seed(file models.File) *models.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	file.ID = c.nextID
	file.Status = true
	if file.CreationDate.IsZero() {
		file.CreationDate = time.Now().UTC()
	}
	stored := file
	c.files[stored.ID] = &stored
	return &stored
}

func (c *memCatalog) byCode(code string) *models.File {
	for _, f := range c.files {
		if f.Code == code && f.Status {
			return f
		}
	}
	return nil
}

// get returns a copy of the row with code, or nil.
func (c *memCatalog) get(code string) *models.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.byCode(code)
	if f == nil {
		return nil
	}
	copy := *f
	return &copy
}

func (c *memCatalog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

func (c *memCatalog) paramsOf(fileID int64) []models.FileParameterValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.FileParameterValue
	for _, p := range c.params {
		if p.FileID == fileID {
			out = append(out, p)
		}
	}
	return out
}

func (c *memCatalog) WithinTx(ctx context.Context, fn func(tx repository.FileTx) error) error {
	if c.beforeTx != nil {
		c.beforeTx()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCount++

	snapshot := make(map[int64]models.File, len(c.files))
	for id, f := range c.files {
		snapshot[id] = *f
	}
	variants := append([]models.FileVariant(nil), c.variants...)
	params := append([]models.FileParameterValue(nil), c.params...)
	nextID := c.nextID

	err := fn(&memTx{c: c})
	if err == nil {
		err = c.fail("commit")
	}
	if err != nil {
		c.files = make(map[int64]*models.File, len(snapshot))
		for id := range snapshot {
			f := snapshot[id]
			c.files[id] = &f
		}
		c.variants = variants
		c.params = params
		c.nextID = nextID
		return err
	}
	return nil
}

func (c *memCatalog) FindActiveByDedupKeys(ctx context.Context, keys []models.DedupKey) ([]models.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("find"); err != nil {
		return nil, err
	}
	return c.findActive(keys), nil
}

func (c *memCatalog) findActive(keys []models.DedupKey) []models.File {
	wanted := make(map[models.DedupKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	var out []models.File
	for _, f := range c.sorted() {
		if f.Status && !f.IsBackup && wanted[f.Key()] {
			out = append(out, *f)
		}
	}
	return out
}

func (c *memCatalog) GetByCode(ctx context.Context, code string) (*models.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.byCode(code)
	if f == nil {
		return nil, sql.ErrNoRows
	}
	copy := *f
	return &copy, nil
}

func (c *memCatalog) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.File
	for _, f := range c.sorted() {
		if f.Status && !f.IsBackup && !f.EffectiveExpiration().After(asOf) {
			out = append(out, *f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveExpiration().Before(out[j].EffectiveExpiration())
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memCatalog) MarkBackedUp(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("mark"); err != nil {
		return false, err
	}
	f, ok := c.files[id]
	if !ok || f.IsBackup {
		return false, nil
	}
	f.IsBackup = true
	return true, nil
}

func (c *memCatalog) ClaimReclaimable(ctx context.Context, cutoff time.Time, limit int) ([]repository.ReclaimCandidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []repository.ReclaimCandidate
	for _, f := range c.sorted() {
		if len(out) >= limit {
			break
		}
		if f.IsUsed || f.IsQueued || f.IsBackup || !f.CreationDate.Before(cutoff) {
			continue
		}
		f.IsQueued = true
		out = append(out, repository.ReclaimCandidate{ID: f.ID, Code: f.Code, IsVariant: c.isVariant(f.ID)})
	}
	return out, nil
}

func (c *memCatalog) ResetQueued(ctx context.Context, ids []int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetQueued(ids), nil
}

func (c *memCatalog) resetQueued(ids []int64) int64 {
	var n int64
	for _, id := range ids {
		if f, ok := c.files[id]; ok {
			f.IsQueued = false
			n++
		}
	}
	return n
}

func (c *memCatalog) isVariant(id int64) bool {
	for _, v := range c.variants {
		if v.VariantFileID == id {
			return true
		}
	}
	return false
}

func (c *memCatalog) sorted() []*models.File {
	out := make([]*models.File, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memTx struct {
	c *memCatalog
}

func (t *memTx) InsertFile(ctx context.Context, file *models.File) (bool, error) {
	if err := t.c.fail("insert"); err != nil {
		return false, err
	}
	if t.c.takenOnce[file.Code] {
		delete(t.c.takenOnce, file.Code)
		return false, nil
	}
	for _, f := range t.c.files {
		if f.Code == file.Code {
			return false, nil
		}
	}
	t.c.nextID++
	file.ID = t.c.nextID
	file.Status = true
	if file.CreationDate.IsZero() {
		file.CreationDate = time.Now().UTC()
	}
	stored := *file
	t.c.files[file.ID] = &stored
	return true, nil
}

func (t *memTx) InsertVariant(ctx context.Context, variant *models.FileVariant) error {
	variant.ID = int64(len(t.c.variants) + 1)
	t.c.variants = append(t.c.variants, *variant)
	return nil
}

func (t *memTx) InsertParameterValues(ctx context.Context, fileID int64, values []models.FileParameterValue) error {
	for _, v := range values {
		v.FileID = fileID
		v.ID = int64(len(t.c.params) + 1)
		t.c.params = append(t.c.params, v)
	}
	return nil
}

func (t *memTx) CopyParameterValues(ctx context.Context, fromFileID, toFileID int64) error {
	for _, p := range append([]models.FileParameterValue(nil), t.c.params...) {
		if p.FileID == fromFileID {
			p.FileID = toFileID
			p.ID = int64(len(t.c.params) + 1)
			t.c.params = append(t.c.params, p)
		}
	}
	return nil
}

func (t *memTx) LockByCode(ctx context.Context, code string) (*models.File, error) {
	f := t.c.byCode(code)
	if f == nil {
		return nil, sql.ErrNoRows
	}
	copy := *f
	return &copy, nil
}

func (t *memTx) LockByIDs(ctx context.Context, ids []int64) ([]models.File, error) {
	if err := t.c.fail("lock"); err != nil {
		return nil, err
	}
	var out []models.File
	for _, id := range ids {
		if f, ok := t.c.files[id]; ok {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) LockDedupKeys(ctx context.Context, keys []models.DedupKey) error {
	t.c.lockedKeys = append(t.c.lockedKeys, keys...)
	return t.c.fail("lockkeys")
}

func (t *memTx) FindActiveByDedupKeys(ctx context.Context, keys []models.DedupKey) ([]models.File, error) {
	return t.c.findActive(keys), nil
}

func (t *memTx) FindDuplicate(ctx context.Context, key models.DedupKey, excludeID int64) (*models.File, error) {
	for _, f := range t.c.sorted() {
		if f.Status && !f.IsBackup && f.ID != excludeID && f.Key() == key {
			copy := *f
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (t *memTx) Increment(ctx context.Context, code string) (*models.File, error) {
	if err := t.c.fail("increment"); err != nil {
		return nil, err
	}
	f := t.c.byCode(code)
	if f == nil {
		return nil, sql.ErrNoRows
	}
	f.ReferenceCount++
	f.IsUsed = true
	f.IsShared = f.ReferenceCount > 1
	f.DeactivationDate = nil
	copy := *f
	return &copy, nil
}

func (t *memTx) Decrement(ctx context.Context, code string) (*models.File, error) {
	if err := t.c.fail("decrement"); err != nil {
		return nil, err
	}
	f := t.c.byCode(code)
	if f == nil {
		return nil, sql.ErrNoRows
	}
	if f.ReferenceCount > 0 {
		f.ReferenceCount--
		if f.ReferenceCount == 0 {
			now := time.Now().UTC()
			f.DeactivationDate = &now
		}
	}
	f.IsUsed = f.ReferenceCount > 0
	f.IsShared = f.ReferenceCount > 1
	copy := *f
	return &copy, nil
}

func (t *memTx) UpdateContent(ctx context.Context, file *models.File) error {
	if err := t.c.fail("update"); err != nil {
		return err
	}
	f, ok := t.c.files[file.ID]
	if !ok {
		return sql.ErrNoRows
	}
	f.FileName = file.FileName
	f.SizeBytes = file.SizeBytes
	f.MD5 = file.MD5
	f.ExtensionID = file.ExtensionID
	return nil
}

func (t *memTx) DeleteFiles(ctx context.Context, ids []int64) (int64, error) {
	if err := t.c.fail("delete"); err != nil {
		return 0, err
	}
	remove := make(map[int64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	params := t.c.params[:0]
	for _, p := range t.c.params {
		if !remove[p.FileID] {
			params = append(params, p)
		}
	}
	t.c.params = params
	variants := t.c.variants[:0]
	for _, v := range t.c.variants {
		if !remove[v.MainFileID] && !remove[v.VariantFileID] {
			variants = append(variants, v)
		}
	}
	t.c.variants = variants
	var n int64
	for id := range remove {
		if _, ok := t.c.files[id]; ok {
			delete(t.c.files, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) ResetQueued(ctx context.Context, ids []int64) (int64, error) {
	return t.c.resetQueued(ids), nil
}
