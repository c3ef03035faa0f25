package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docstore-api/internal/models"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
)

var updateCreated = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

type updateFixture struct {
	svc     *UpdateService
	catalog *memCatalog
	store   *testStore
}

func newUpdateFixture(t *testing.T) *updateFixture {
	catalog := newMemCatalog()
	store := newTestStore(t)
	svc := NewUpdateService(catalog, newTestRoutes(), store, nil, nil, UpdateServiceConfig{MaxFileSize: 1024, MaxFilesPerBatch: 5})
	return &updateFixture{svc: svc, catalog: catalog, store: store}
}

// stored seeds a catalog row under route rule 7 and writes its bytes.
func (fx *updateFixture) stored(t *testing.T, code, name, content string, refs int) *models.File {
	t.Helper()
	file := fx.catalog.seed(models.File{
		Code:            code,
		MD5:             Fingerprint([]byte(content)),
		SizeBytes:       int64(len(content)),
		ExtensionID:     1,
		FileName:        BuildFileName(name, code),
		RouteRuleID:     7,
		CompanyID:       int64Ptr(42),
		DocumentTypeID:  1,
		ChannelID:       2,
		SecurityLevelID: 3,
		IsMain:          true,
		IsUsed:          refs > 0,
		IsShared:        refs > 1,
		ReferenceCount:  refs,
		CreationDate:    updateCreated,
	})
	require.NoError(t, fx.store.Write(storedPath(file.FileName), []byte(content)))
	return file
}

func storedPath(fileName string) string {
	return "42/1/2024/03/" + fileName
}

func TestUpdateRejectsUnusedFile(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 0)

	_, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v2")})
	assert.Equal(t, appErrors.ErrIllegalState.Code, appErrors.Kind(err))
	assert.Equal(t, "v1", fx.store.read(t, storedPath("report-FILE-0000000A.pdf")))
	assert.Equal(t, Fingerprint([]byte("v1")), fx.catalog.get("FILE-0000000A").MD5)
}

func TestUpdateMissingFile(t *testing.T) {
	fx := newUpdateFixture(t)
	_, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v2")})
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.Kind(err))
}

func TestUpdateExclusiveInPlaceKeepsCode(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 1)
	before := fx.catalog.count()

	res, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("version-2")})
	require.NoError(t, err)

	assert.Equal(t, UpdateModeInPlace, res.Mode)
	assert.Equal(t, "FILE-0000000A", res.Code)
	assert.Equal(t, before, fx.catalog.count())

	file := fx.catalog.get("FILE-0000000A")
	assert.Equal(t, Fingerprint([]byte("version-2")), file.MD5)
	assert.Equal(t, int64(9), file.SizeBytes)
	assert.Equal(t, 1, file.ReferenceCount)
	assert.Equal(t, "version-2", fx.store.read(t, storedPath("report-FILE-0000000A.pdf")))
	assert.Equal(t, []string{storedPath("report-FILE-0000000A.pdf")}, fx.store.regularFiles(t))
}

func TestUpdateExclusiveRenameRemovesOldName(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 1)

	res, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "summary.docx", Content: []byte("v2"), ExtensionID: 4})
	require.NoError(t, err)

	assert.Equal(t, "summary-FILE-0000000A.docx", res.FileName)
	file := fx.catalog.get("FILE-0000000A")
	assert.Equal(t, "summary-FILE-0000000A.docx", file.FileName)
	assert.Equal(t, int64(4), file.ExtensionID)
	assert.Equal(t, []string{storedPath("summary-FILE-0000000A.docx")}, fx.store.regularFiles(t))
	assert.Equal(t, "v2", fx.store.read(t, storedPath("summary-FILE-0000000A.docx")))
}

func TestUpdateExclusiveWriteFailureRestores(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 1)
	fx.store.writeErr = errors.New("disk full")

	_, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v2")})
	assert.Equal(t, appErrors.ErrStorageIO.Code, appErrors.Kind(err))

	assert.Equal(t, Fingerprint([]byte("v1")), fx.catalog.get("FILE-0000000A").MD5)
	assert.Equal(t, "v1", fx.store.read(t, storedPath("report-FILE-0000000A.pdf")))
	assert.Equal(t, []string{storedPath("report-FILE-0000000A.pdf")}, fx.store.regularFiles(t))
}

func TestUpdateSharedReusesMatchingFile(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 2)
	fx.stored(t, "FILE-0000000B", "other.pdf", "v2", 1)
	filesBefore := fx.store.regularFiles(t)

	res, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v2")})
	require.NoError(t, err)

	assert.Equal(t, UpdateModeReuse, res.Mode)
	assert.Equal(t, "FILE-0000000B", res.Code)

	original := fx.catalog.get("FILE-0000000A")
	reused := fx.catalog.get("FILE-0000000B")
	assert.Equal(t, 1, original.ReferenceCount)
	assert.False(t, original.IsShared)
	assert.Equal(t, 2, reused.ReferenceCount)
	assert.True(t, reused.IsShared)
	assert.Equal(t, 3, original.ReferenceCount+reused.ReferenceCount)
	assert.ElementsMatch(t, filesBefore, fx.store.regularFiles(t))
}

func TestUpdateSharedForksNewFile(t *testing.T) {
	fx := newUpdateFixture(t)
	original := fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 2)
	fx.catalog.params = append(fx.catalog.params, models.FileParameterValue{ID: 1, FileID: original.ID, ParameterID: 9, Value: "Q1"})
	fx.svc.newCode = sequentialCodes("FILE-0000000C")

	res, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v2")})
	require.NoError(t, err)

	assert.Equal(t, UpdateModeFork, res.Mode)
	assert.Equal(t, "FILE-0000000C", res.Code)

	fork := fx.catalog.get("FILE-0000000C")
	require.NotNil(t, fork)
	assert.Equal(t, 1, fork.ReferenceCount)
	assert.True(t, fork.IsUsed)
	assert.False(t, fork.IsShared)
	assert.Equal(t, original.RouteRuleID, fork.RouteRuleID)
	assert.Equal(t, original.CompanyID, fork.CompanyID)
	assert.Equal(t, original.SecurityLevelID, fork.SecurityLevelID)
	require.Len(t, fx.catalog.paramsOf(fork.ID), 1)
	assert.Equal(t, "Q1", fx.catalog.paramsOf(fork.ID)[0].Value)

	assert.Equal(t, 1, fx.catalog.get("FILE-0000000A").ReferenceCount)
	assert.Equal(t, "v1", fx.store.read(t, storedPath("report-FILE-0000000A.pdf")))
	assert.Equal(t, "v2", fx.store.read(t, storedPathFor(t, fx, fork)))
}

func TestUpdateSharedForksInsteadOfReusingArchivedFile(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 2)
	archived := fx.stored(t, "FILE-0000000B", "other.pdf", "v2", 0)
	fx.catalog.mu.Lock()
	fx.catalog.files[archived.ID].IsBackup = true
	fx.catalog.mu.Unlock()
	fx.svc.newCode = sequentialCodes("FILE-0000000C")

	res, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v2")})
	require.NoError(t, err)

	assert.Equal(t, UpdateModeFork, res.Mode)
	assert.Equal(t, "FILE-0000000C", res.Code)
	assert.Equal(t, 0, fx.catalog.get("FILE-0000000B").ReferenceCount)
	assert.Equal(t, []models.DedupKey{{MD5: Fingerprint([]byte("v2")), RouteRuleID: 7}}, fx.catalog.lockedKeys)
}

// storedPathFor renders the path of a row created during the test run.
func storedPathFor(t *testing.T, fx *updateFixture, file *models.File) string {
	t.Helper()
	path, err := fx.svc.routes.ResolvePath(context.Background(), file)
	require.NoError(t, err)
	return path
}

func TestUpdateSharedSameContentIsNoop(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "v1", 3)

	res, err := fx.svc.Update(context.Background(), UpdatePayload{Code: "FILE-0000000A", FileName: "report.pdf", Content: []byte("v1")})
	require.NoError(t, err)
	assert.Equal(t, UpdateModeNoop, res.Mode)
	assert.Equal(t, "FILE-0000000A", res.Code)
	assert.Equal(t, 3, fx.catalog.get("FILE-0000000A").ReferenceCount)
	assert.Equal(t, 1, fx.catalog.count())
}

func TestUpdateBatchIsAllOrNothing(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "report.pdf", "a1", 1)
	fx.stored(t, "FILE-0000000B", "shared.pdf", "b1", 2)
	fx.svc.newCode = sequentialCodes("FILE-0000000C")
	filesBefore := fx.store.regularFiles(t)

	_, err := fx.svc.UpdateBatch(context.Background(), []UpdatePayload{
		{Code: "FILE-0000000A", FileName: "renamed.pdf", Content: []byte("a2")},
		{Code: "FILE-0000000B", FileName: "shared.pdf", Content: []byte("b2")},
		{Code: "FILE-0000000F", FileName: "missing.pdf", Content: []byte("f2")},
	})
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.Kind(err))

	assert.Equal(t, 2, fx.catalog.count())
	assert.Nil(t, fx.catalog.get("FILE-0000000C"))
	assert.Equal(t, "report-FILE-0000000A.pdf", fx.catalog.get("FILE-0000000A").FileName)
	assert.Equal(t, 2, fx.catalog.get("FILE-0000000B").ReferenceCount)
	assert.ElementsMatch(t, filesBefore, fx.store.regularFiles(t))
	assert.Equal(t, "a1", fx.store.read(t, storedPath("report-FILE-0000000A.pdf")))
}

func TestUpdateBatchAppliesEveryPayload(t *testing.T) {
	fx := newUpdateFixture(t)
	fx.stored(t, "FILE-0000000A", "one.pdf", "a1", 1)
	fx.stored(t, "FILE-0000000B", "two.pdf", "b1", 2)
	fx.svc.newCode = sequentialCodes("FILE-0000000C")

	results, err := fx.svc.UpdateBatch(context.Background(), []UpdatePayload{
		{Code: "FILE-0000000A", FileName: "one.pdf", Content: []byte("a2")},
		{Code: "FILE-0000000B", FileName: "two.pdf", Content: []byte("b2")},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, UpdateModeInPlace, results[0].Mode)
	assert.Equal(t, UpdateModeFork, results[1].Mode)
	assert.Equal(t, 1, results[1].Index)
	assert.Equal(t, 3, fx.catalog.count())
}

func TestUpdateValidation(t *testing.T) {
	fx := newUpdateFixture(t)
	cases := map[string][]UpdatePayload{
		"empty":      nil,
		"bad code":   {{Code: "nope", FileName: "a.pdf", Content: []byte("x")}},
		"no name":    {{Code: "FILE-0000000A", Content: []byte("x")}},
		"no content": {{Code: "FILE-0000000A", FileName: "a.pdf"}},
		"repeated":   {{Code: "FILE-0000000A", FileName: "a.pdf", Content: []byte("x")}, {Code: "FILE-0000000A", FileName: "a.pdf", Content: []byte("y")}},
		"too large":  {{Code: "FILE-0000000A", FileName: "a.pdf", Content: make([]byte, 2048)}},
	}
	for name, payloads := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fx.svc.UpdateBatch(context.Background(), payloads)
			assert.Equal(t, appErrors.ErrValidation.Code, appErrors.Kind(err))
		})
	}
}
