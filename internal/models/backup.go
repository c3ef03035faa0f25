package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BackupOutcome labels the archival result of one file.
type BackupOutcome string

const (
	BackupOutcomeSuccess BackupOutcome = "success"
	BackupOutcomeFailed  BackupOutcome = "failed"
)

// BackupFileResult is the per-file record stored with an archival run.
type BackupFileResult struct {
	FileID        int64         `json:"fileId"`
	Code          string        `json:"code"`
	Outcome       BackupOutcome `json:"outcome"`
	BackupPath    string        `json:"backupPath,omitempty"`
	SizeBytes     int64         `json:"sizeBytes,omitempty"`
	SourceDeleted bool          `json:"sourceDeleted"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// BackupFileResults is persisted as JSONB.
type BackupFileResults []BackupFileResult

// Value marshals results to JSON for persistence.
func (r BackupFileResults) Value() (driver.Value, error) {
	if r == nil {
		r = BackupFileResults{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal backup results: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the results slice.
func (r *BackupFileResults) Scan(value interface{}) error {
	if value == nil {
		*r = BackupFileResults{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for BackupFileResults", value)
	}
	if len(data) == 0 {
		*r = BackupFileResults{}
		return nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("unmarshal backup results: %w", err)
	}
	return nil
}

// BackupExecutionLog is the one-row-per-day record of an archival run.
type BackupExecutionLog struct {
	ID            int64             `db:"id" json:"id"`
	ExecutionDate time.Time         `db:"execution_date" json:"executionDate"`
	BatchID       string            `db:"batch_id" json:"batchId"`
	TotalFiles    int               `db:"total_files" json:"totalFiles"`
	SuccessCount  int               `db:"success_count" json:"successCount"`
	FailCount     int               `db:"fail_count" json:"failCount"`
	Results       BackupFileResults `db:"results" json:"results"`
	CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
}

// BackupSummary is returned by an archival run.
type BackupSummary struct {
	BatchID         string            `json:"batchId"`
	ExecutionDate   time.Time         `json:"executionDate"`
	TotalFiles      int               `json:"totalFiles"`
	SuccessCount    int               `json:"successCount"`
	FailCount       int               `json:"failCount"`
	Results         BackupFileResults `json:"results"`
	AlreadyExecuted bool              `json:"alreadyExecuted"`
	InProgress      bool              `json:"inProgress,omitempty"`
}

// SummaryFromLog converts a stored log row into a summary.
func SummaryFromLog(log *BackupExecutionLog, alreadyExecuted bool) *BackupSummary {
	return &BackupSummary{
		BatchID:         log.BatchID,
		ExecutionDate:   log.ExecutionDate,
		TotalFiles:      log.TotalFiles,
		SuccessCount:    log.SuccessCount,
		FailCount:       log.FailCount,
		Results:         log.Results,
		AlreadyExecuted: alreadyExecuted,
	}
}
