// Package models provides data model definitions for the AccessCase sync core.
package models

import (
	"encoding/json"
	"time"
)

// SyncOperation is the kind of pending operation against an entity.
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
	OpRead   SyncOperation = "read"
)

// SyncStatus is the lifecycle state of a queued operation.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "synced"
	StatusPendingUpload   SyncStatus = "pending_upload"
	StatusPendingDownload SyncStatus = "pending_download"
	StatusConflict        SyncStatus = "conflict"
	StatusError           SyncStatus = "error"
)

// Pending reports whether the status makes an item eligible for automatic
// draining. Conflict items wait for an explicit resolution; Error items
// wait for a manual retry.
func (s SyncStatus) Pending() bool {
	return s == StatusPendingUpload || s == StatusPendingDownload
}

// ConflictResolutionStrategy selects how a detected conflict is settled.
type ConflictResolutionStrategy string

const (
	ClientWins       ConflictResolutionStrategy = "client_wins"
	ServerWins       ConflictResolutionStrategy = "server_wins"
	LastModifiedWins ConflictResolutionStrategy = "last_modified_wins"
	MergeByField     ConflictResolutionStrategy = "merge_by_field"
	Manual           ConflictResolutionStrategy = "manual"
)

// ValidStrategy reports whether s names a known resolution strategy.
func ValidStrategy(s ConflictResolutionStrategy) bool {
	switch s {
	case ClientWins, ServerWins, LastModifiedWins, MergeByField, Manual:
		return true
	}
	return false
}

// MaxAutoRetries is the retry count at which an item flips to Error status
// and stops draining automatically.
const MaxAutoRetries = 3

// SyncItem is one pending create/update/delete/read operation against one
// entity instance. Items persist under "syncQueue:<id>" until they reach
// Synced, surviving process restarts with their retry count intact.
type SyncItem struct {
	ID                 UUID                       `json:"id"`
	EntityType         EntityType                 `json:"entity_type"`
	EntityID           string                     `json:"entity_id"`
	Operation          SyncOperation              `json:"operation"`
	Endpoint           string                     `json:"endpoint"`
	Data               json.RawMessage            `json:"data,omitempty"`
	LastModified       int64                      `json:"last_modified"` // unix ms
	Status             SyncStatus                 `json:"status"`
	Priority           int                        `json:"priority"`
	Error              string                     `json:"error,omitempty"`
	RetryCount         int                        `json:"retry_count"`
	ServerVersion      int                        `json:"server_version,omitempty"`
	ClientVersion      int                        `json:"client_version,omitempty"`
	ConflictResolution ConflictResolutionStrategy `json:"conflict_resolution,omitempty"`
	CreatedAt          int64                      `json:"created_at"` // unix ms
	UpdatedAt          int64                      `json:"updated_at"` // unix ms
}

// QueueKeyPrefix namespaces persisted queue entries in the store.
const QueueKeyPrefix = "syncQueue:"

// QueueKey returns the storage key for the item.
func (i *SyncItem) QueueKey() string {
	return QueueKeyPrefix + string(i.ID)
}

// Touch refreshes the UpdatedAt timestamp.
func (i *SyncItem) Touch() {
	i.UpdatedAt = NowMillis()
}

// LastModifiedTime returns LastModified as time.Time.
func (i *SyncItem) LastModifiedTime() time.Time {
	return MillisTime(i.LastModified)
}
