package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/noah-isme/docstore-api/internal/models"
	"github.com/noah-isme/docstore-api/internal/repository"
	appErrors "github.com/noah-isme/docstore-api/pkg/errors"
	"github.com/noah-isme/docstore-api/pkg/storage"
)

// conflictAttempts bounds internal retries of transactions that lost a serialization race.
const conflictAttempts = 3

type fileTxRunner interface {
	WithinTx(ctx context.Context, fn func(tx repository.FileTx) error) error
}

type routeResolver interface {
	ResolveRouteRule(ctx context.Context, rc models.RouteContext) (*models.ResolvedRoute, error)
	ResolvePath(ctx context.Context, file *models.File) (string, error)
}

type contentStore interface {
	Stage(name string, data []byte) (*storage.StagedFile, error)
	Backup(name string) (*storage.BackupCopy, error)
	Write(name string, data []byte) error
	Open(name string) (*os.File, error)
	Stat(name string) (int64, error)
	Delete(name string) (bool, error)
}

// catalogError maps repository failures onto the error taxonomy.
func catalogError(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.WrapKind(appErrors.ErrNotFound, err, "file not found")
	case repository.IsSerializationFailure(err):
		return appErrors.WrapKind(appErrors.ErrConcurrencyConflict, err, "")
	}
	return appErrors.WrapKind(appErrors.ErrInternal, err, message)
}

func storageError(err error, message string) error {
	if err == nil {
		return nil
	}
	return appErrors.WrapKind(appErrors.ErrStorageIO, err, message)
}

// retryOnConflict reruns fn while it fails with a concurrency conflict, backing off exponentially.
func retryOnConflict(ctx context.Context, fn func() error) error {
	delay := 25 * time.Millisecond
	var err error
	for attempt := 1; attempt <= conflictAttempts; attempt++ {
		err = fn()
		if err == nil || appErrors.Kind(err) != appErrors.ErrConcurrencyConflict.Code || attempt == conflictAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
