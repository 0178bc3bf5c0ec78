// Package models provides data model definitions for the AccessCase sync core.
package models

// TransactionStatus is the aggregate state of a grouped submission.
type TransactionStatus string

const (
	TxPending            TransactionStatus = "pending"
	TxInProgress         TransactionStatus = "in_progress"
	TxCompleted          TransactionStatus = "completed"
	TxFailed             TransactionStatus = "failed"
	TxPartiallyCompleted TransactionStatus = "partially_completed"
)

// SyncTransaction groups multiple queued operations for coordinated
// submission. Submission is not atomic: a crash mid-transaction leaves some
// operations synced and the rest pending, reported as PartiallyCompleted.
type SyncTransaction struct {
	ID         UUID              `json:"id"`
	Operations []UUID            `json:"operations"` // SyncItem ids
	Status     TransactionStatus `json:"status"`
	StartTime  int64             `json:"start_time,omitempty"` // unix ms
	EndTime    int64             `json:"end_time,omitempty"`   // unix ms
	Progress   float64           `json:"progress"`             // completed / total
	Error      string            `json:"error,omitempty"`
}
