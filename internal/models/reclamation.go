package models

// BatchFileType tells whether a reclaimed row is a main file or a rendition.
type BatchFileType string

const (
	BatchFileMain    BatchFileType = "main"
	BatchFileVariant BatchFileType = "variant"
)

// BatchFile identifies one file inside a reclamation batch.
type BatchFile struct {
	ID   int64         `json:"id"`
	Code string        `json:"code"`
	Type BatchFileType `json:"type"`
}

// ReclamationBatch is the queue message for one batch of unused files.
type ReclamationBatch struct {
	BatchIDs     []int64     `json:"batchIds"`
	BatchFiles   []BatchFile `json:"batchFiles"`
	BatchNumber  int         `json:"batchNumber"`
	TotalBatches int         `json:"totalBatches"`
}

// ReclamationScanResult reports what a scanner run queued.
type ReclamationScanResult struct {
	Candidates       int `json:"candidates"`
	Batches          int `json:"batches"`
	Dispatched       int `json:"dispatched"`
	DispatchFailures int `json:"dispatchFailures"`
	Reverted         int `json:"reverted"`
}

// ReclamationTally counts physical delete outcomes of one worker job.
type ReclamationTally struct {
	Deleted int `json:"deleted"`
	Absent  int `json:"absent"`
	Failed  int `json:"failed"`
	Kept    int `json:"kept"`
}

// OrphanCleanup carries byte paths whose deletion failed after the rows were removed.
type OrphanCleanup struct {
	Paths []string `json:"paths"`
}
