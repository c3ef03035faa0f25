package repository

import (
	"errors"

	"github.com/lib/pq"
)

// SQLSTATE codes Postgres raises when a transaction lost a race and may be retried.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// IsSerializationFailure reports whether err is a transient concurrency failure.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	}
	return false
}
