// Package models provides data model definitions for the AccessCase sync core.
package models

import "encoding/json"

// SyncConflict records a divergence between the local and server copies of
// an entity. It is created when a drain attempt reports a conflict and is
// resolved exactly once; once Resolved is set the record is immutable.
type SyncConflict struct {
	ID         UUID                       `json:"id"`
	ItemID     UUID                       `json:"item_id"`
	EntityType EntityType                 `json:"entity_type"`
	EntityID   string                     `json:"entity_id"`
	ClientData json.RawMessage            `json:"client_data"`
	ServerData json.RawMessage            `json:"server_data"`
	// Entity-level last-modified stamps for each side, unix ms. There is no
	// per-field provenance; merge decisions use these.
	ClientModified int64                      `json:"client_modified"`
	ServerModified int64                      `json:"server_modified"`
	Timestamp      int64                      `json:"timestamp"` // detection time, unix ms
	Resolved       bool                       `json:"resolved"`
	Resolution     ConflictResolutionStrategy `json:"resolution,omitempty"`
}

// ConflictKeyPrefix namespaces persisted conflicts in the store.
const ConflictKeyPrefix = "syncConflict:"

// Key returns the storage key for the conflict record.
func (c *SyncConflict) Key() string {
	return ConflictKeyPrefix + string(c.ID)
}
