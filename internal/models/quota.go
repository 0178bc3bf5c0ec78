// Package models provides data model definitions for the AccessCase sync core.
package models

// StorageQuotaInfo is a read-only snapshot of local storage consumption,
// used to trigger cleanup when the percentage crosses the configured
// thresholds.
type StorageQuotaInfo struct {
	Usage      int64   `json:"usage"` // bytes
	Quota      int64   `json:"quota"` // bytes
	Percentage float64 `json:"percentage"`
}
