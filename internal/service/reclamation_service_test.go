package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docstore-api/internal/models"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/jobs"
)

type sentJob struct {
	queue   string
	payload interface{}
	opts    jobs.SendOptions
}

// recordingSender captures sends; failures are keyed by 1-based call number.
type recordingSender struct {
	mu    sync.Mutex
	sent  []sentJob
	calls int
	fail  map[int]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{fail: make(map[int]error)}
}

func (r *recordingSender) Send(ctx context.Context, queue string, payload interface{}, opts jobs.SendOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err, ok := r.fail[r.calls]; ok {
		return "", err
	}
	r.sent = append(r.sent, sentJob{queue: queue, payload: payload, opts: opts})
	return "job", nil
}

type reclamationFixture struct {
	svc     *ReclamationService
	catalog *memCatalog
	store   *testStore
	sender  *recordingSender
}

func newReclamationFixture(t *testing.T) *reclamationFixture {
	catalog := newMemCatalog()
	store := newTestStore(t)
	sender := newRecordingSender()
	svc := NewReclamationService(catalog, newTestRoutes(), store, sender, nil, nil, ReclamationServiceConfig{
		GraceWindow: 10 * time.Minute,
		BatchSize:   2,
		BatchDelay:  5 * time.Minute,
		ScanLimit:   100,
		RetryLimit:  3,
		RetryDelay:  time.Minute,
	})
	svc.now = func() time.Time { return archivalNow }
	return &reclamationFixture{svc: svc, catalog: catalog, store: store, sender: sender}
}

// unused seeds a never-activated file with bytes on disk and returns its path.
func (fx *reclamationFixture) unused(t *testing.T, code string, created time.Time) (*models.File, string) {
	t.Helper()
	file := fx.catalog.seed(models.File{
		Code:            code,
		FileName:        BuildFileName("scan.pdf", code),
		RouteRuleID:     7,
		CompanyID:       int64Ptr(42),
		DocumentTypeID:  1,
		ChannelID:       2,
		SecurityLevelID: 3,
		CreationDate:    created,
	})
	path := "42/1/" + created.Format("2006/01/") + file.FileName
	require.NoError(t, fx.store.Write(path, []byte(code)))
	return file, path
}

func batchJob(t *testing.T, batch models.ReclamationBatch) jobs.Job {
	t.Helper()
	raw, err := json.Marshal(batch)
	require.NoError(t, err)
	return jobs.Job{ID: "job-1", Queue: ReclamationQueue, Payload: raw, Attempt: 1}
}

func TestReclamationScanWithoutCandidates(t *testing.T) {
	fx := newReclamationFixture(t)
	result, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)
	assert.Empty(t, fx.sender.sent)
}

func TestReclamationScanBatchesAndStaggers(t *testing.T) {
	fx := newReclamationFixture(t)
	old := archivalNow.Add(-time.Hour)
	var seeded []*models.File
	for _, code := range []string{"FILE-0000000A", "FILE-0000000B", "FILE-0000000C", "FILE-0000000D", "FILE-0000000E"} {
		f, _ := fx.unused(t, code, old)
		seeded = append(seeded, f)
	}
	fx.catalog.variants = append(fx.catalog.variants, models.FileVariant{ID: 1, MainFileID: seeded[0].ID, VariantFileID: seeded[1].ID})
	fresh, _ := fx.unused(t, "FILE-0000000F", archivalNow.Add(-time.Minute))
	used := fx.catalog.seed(models.File{Code: "FILE-00000010", RouteRuleID: 7, IsUsed: true, ReferenceCount: 1, CreationDate: old})

	result, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Candidates)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 3, result.Dispatched)
	require.Len(t, fx.sender.sent, 3)

	for i, sent := range fx.sender.sent {
		assert.Equal(t, ReclamationQueue, sent.queue)
		assert.Equal(t, time.Duration(i)*5*time.Minute, sent.opts.StartAfter)
		assert.Equal(t, 3, sent.opts.RetryLimit)
		assert.Equal(t, time.Minute, sent.opts.RetryDelay)
		batch := sent.payload.(models.ReclamationBatch)
		assert.Equal(t, i+1, batch.BatchNumber)
		assert.Equal(t, 3, batch.TotalBatches)
	}
	first := fx.sender.sent[0].payload.(models.ReclamationBatch)
	assert.Equal(t, []int64{seeded[0].ID, seeded[1].ID}, first.BatchIDs)
	assert.Equal(t, models.BatchFileMain, first.BatchFiles[0].Type)
	assert.Equal(t, models.BatchFileVariant, first.BatchFiles[1].Type)
	assert.Equal(t, "FILE-0000000B", first.BatchFiles[1].Code)
	assert.Len(t, fx.sender.sent[2].payload.(models.ReclamationBatch).BatchIDs, 1)

	for _, f := range seeded {
		assert.True(t, fx.catalog.get(f.Code).IsQueued)
	}
	assert.False(t, fx.catalog.get(fresh.Code).IsQueued)
	assert.False(t, fx.catalog.get(used.Code).IsQueued)

	again, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Candidates)
}

func TestReclamationScanRetainsArchivedFiles(t *testing.T) {
	fx := newReclamationFixture(t)
	backups := newTestStore(t)
	old := archivalNow.Add(-2 * time.Hour)
	archived := fx.catalog.seed(models.File{
		Code: "FILE-0000000A", FileName: "scan-FILE-0000000A.pdf", RouteRuleID: 7, CompanyID: int64Ptr(42),
		DocumentTypeID: 1, ChannelID: 2, SecurityLevelID: 3, IsBackup: true, CreationDate: old,
	})
	backupPath := "42/1/" + old.Format("2006/01/") + archived.FileName
	require.NoError(t, backups.Write(backupPath, []byte("archived")))
	_, path := fx.unused(t, "FILE-0000000B", old)

	result, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	batch := fx.sender.sent[0].payload.(models.ReclamationBatch)
	assert.Equal(t, "FILE-0000000B", batch.BatchFiles[0].Code)

	require.NoError(t, fx.svc.HandleBatch(context.Background(), batchJob(t, batch)))
	row := fx.catalog.get("FILE-0000000A")
	require.NotNil(t, row, "archived rows are never reclaimed")
	assert.False(t, row.IsQueued)
	assert.Equal(t, []string{backupPath}, backups.regularFiles(t))
	assert.Nil(t, fx.catalog.get("FILE-0000000B"))
	assert.NotContains(t, fx.store.regularFiles(t), path)
}

func TestReclamationScanRevertsFailedDispatch(t *testing.T) {
	fx := newReclamationFixture(t)
	old := archivalNow.Add(-time.Hour)
	a, _ := fx.unused(t, "FILE-0000000A", old)
	b, _ := fx.unused(t, "FILE-0000000B", old)
	c, _ := fx.unused(t, "FILE-0000000C", old)
	fx.sender.fail[2] = errors.New("redis unavailable")

	result, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, 1, result.DispatchFailures)
	assert.Equal(t, 1, result.Reverted)
	assert.True(t, fx.catalog.get(a.Code).IsQueued)
	assert.True(t, fx.catalog.get(b.Code).IsQueued)
	assert.False(t, fx.catalog.get(c.Code).IsQueued)
}

func TestReclamationScanAllDispatchesFail(t *testing.T) {
	fx := newReclamationFixture(t)
	a, _ := fx.unused(t, "FILE-0000000A", archivalNow.Add(-time.Hour))
	fx.sender.fail[1] = errors.New("redis unavailable")

	result, err := fx.svc.Scan(context.Background())
	assert.Equal(t, appErrors.ErrQueueDispatch.Code, appErrors.Kind(err))
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Reverted)
	assert.False(t, fx.catalog.get(a.Code).IsQueued)
}

func TestReclamationWorkerDeletesBatch(t *testing.T) {
	fx := newReclamationFixture(t)
	old := archivalNow.Add(-time.Hour)
	a, pathA := fx.unused(t, "FILE-0000000A", old)
	b, pathB := fx.unused(t, "FILE-0000000B", old)
	c, _ := fx.unused(t, "FILE-0000000C", old)
	fx.catalog.variants = append(fx.catalog.variants, models.FileVariant{ID: 1, MainFileID: a.ID, VariantFileID: b.ID})
	fx.catalog.params = append(fx.catalog.params, models.FileParameterValue{ID: 1, FileID: a.ID, ParameterID: 1, Value: "x"})
	_, err := fx.store.LocalStorage.Delete(pathB)
	require.NoError(t, err)

	_, err = fx.svc.Scan(context.Background())
	require.NoError(t, err)
	batch := fx.sender.sent[0].payload.(models.ReclamationBatch)

	require.NoError(t, fx.svc.HandleBatch(context.Background(), batchJob(t, batch)))

	assert.Nil(t, fx.catalog.get(a.Code))
	assert.Nil(t, fx.catalog.get(b.Code))
	assert.NotNil(t, fx.catalog.get(c.Code))
	assert.Empty(t, fx.catalog.variants)
	assert.Empty(t, fx.catalog.paramsOf(a.ID))
	assert.False(t, exists(fx.store.Path(pathA)))
	assert.Len(t, fx.sender.sent, 2)
}

func TestReclamationWorkerKeepsActivatedFiles(t *testing.T) {
	fx := newReclamationFixture(t)
	old := archivalNow.Add(-time.Hour)
	a, pathA := fx.unused(t, "FILE-0000000A", old)
	b, pathB := fx.unused(t, "FILE-0000000B", old)

	_, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)
	batch := fx.sender.sent[0].payload.(models.ReclamationBatch)

	usage := NewUsageService(fx.catalog, nil, nil)
	_, err = usage.Activate(context.Background(), []string{b.Code})
	require.NoError(t, err)

	require.NoError(t, fx.svc.HandleBatch(context.Background(), batchJob(t, batch)))

	assert.Nil(t, fx.catalog.get(a.Code))
	assert.False(t, exists(fx.store.Path(pathA)))
	kept := fx.catalog.get(b.Code)
	require.NotNil(t, kept)
	assert.False(t, kept.IsQueued)
	assert.True(t, exists(fx.store.Path(pathB)))
}

func TestReclamationWorkerTransactionFailureKeepsRows(t *testing.T) {
	fx := newReclamationFixture(t)
	a, pathA := fx.unused(t, "FILE-0000000A", archivalNow.Add(-time.Hour))
	_, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)
	batch := fx.sender.sent[0].payload.(models.ReclamationBatch)
	fx.catalog.failNext("delete", errors.New("deadlock"))

	err = fx.svc.HandleBatch(context.Background(), batchJob(t, batch))
	require.Error(t, err)

	row := fx.catalog.get(a.Code)
	require.NotNil(t, row)
	assert.True(t, row.IsQueued)
	assert.True(t, exists(fx.store.Path(pathA)))

	require.NoError(t, fx.svc.HandleBatch(context.Background(), batchJob(t, batch)))
	assert.Nil(t, fx.catalog.get(a.Code))

	// redelivery after success is harmless
	require.NoError(t, fx.svc.HandleBatch(context.Background(), batchJob(t, batch)))
}

func TestReclamationWorkerSchedulesOrphanCleanup(t *testing.T) {
	fx := newReclamationFixture(t)
	a, pathA := fx.unused(t, "FILE-0000000A", archivalNow.Add(-time.Hour))
	_, err := fx.svc.Scan(context.Background())
	require.NoError(t, err)
	batch := fx.sender.sent[0].payload.(models.ReclamationBatch)
	fx.store.deleteErr[pathA] = errors.New("device busy")

	require.NoError(t, fx.svc.HandleBatch(context.Background(), batchJob(t, batch)))

	assert.Nil(t, fx.catalog.get(a.Code))
	require.Len(t, fx.sender.sent, 2)
	orphan := fx.sender.sent[1]
	assert.Equal(t, OrphanCleanupQueue, orphan.queue)
	assert.Equal(t, []string{pathA}, orphan.payload.(models.OrphanCleanup).Paths)
	assert.Equal(t, time.Minute, orphan.opts.StartAfter)
}

func TestReclamationOrphanCleanup(t *testing.T) {
	fx := newReclamationFixture(t)
	_, pathA := fx.unused(t, "FILE-0000000A", archivalNow.Add(-time.Hour))
	_, pathB := fx.unused(t, "FILE-0000000B", archivalNow.Add(-time.Hour))
	raw, err := json.Marshal(models.OrphanCleanup{Paths: []string{pathA, pathB, "42/1/2024/03/gone.pdf"}})
	require.NoError(t, err)
	job := jobs.Job{ID: "orphan-1", Queue: OrphanCleanupQueue, Payload: raw, Attempt: 1}

	fx.store.deleteErr[pathB] = errors.New("device busy")
	err = fx.svc.HandleOrphanCleanup(context.Background(), job)
	assert.Equal(t, appErrors.ErrStorageIO.Code, appErrors.Kind(err))
	assert.False(t, exists(fx.store.Path(pathA)))

	delete(fx.store.deleteErr, pathB)
	require.NoError(t, fx.svc.HandleOrphanCleanup(context.Background(), job))
	assert.False(t, exists(fx.store.Path(pathB)))
}

func TestReclamationThroughMemoryQueue(t *testing.T) {
	catalog := newMemCatalog()
	store := newTestStore(t)
	queue := jobs.NewMemoryQueue(jobs.QueueConfig{})
	svc := NewReclamationService(catalog, newTestRoutes(), store, queue, nil, nil, ReclamationServiceConfig{
		BatchSize:  1,
		BatchDelay: 10 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, svc.Register(queue))
	require.NoError(t, queue.Start(context.Background()))
	defer queue.Stop()

	created := time.Now().Add(-time.Hour).UTC()
	for _, code := range []string{"FILE-0000000A", "FILE-0000000B", "FILE-0000000C"} {
		f := catalog.seed(models.File{Code: code, FileName: BuildFileName("a.pdf", code), RouteRuleID: 7, CompanyID: int64Ptr(42), DocumentTypeID: 1, CreationDate: created})
		require.NoError(t, store.Write("42/1/" + created.Format("2006/01/") + f.FileName, []byte(code)))
	}

	result, err := svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches)

	require.Eventually(t, func() bool { return catalog.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(store.regularFiles(t)) == 0 }, 2*time.Second, 10*time.Millisecond)
}
