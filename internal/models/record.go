// Package models provides data model definitions for the AccessCase sync core.
package models

import "encoding/json"

// RecordMeta carries the bookkeeping attached to every stored entity
// snapshot. Version increments on each write-through; LastAccessed is
// refreshed on reads so quota cleanup can find stale records.
type RecordMeta struct {
	EntityType   EntityType `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	Version      int        `json:"version"`
	LastModified int64      `json:"last_modified"` // unix ms
	LastAccessed int64      `json:"last_accessed"` // unix ms
	Synced       bool       `json:"synced"`
}

// EntityRecord is a stored entity snapshot plus its metadata. Data is the
// raw JSON of the domain object; the store owns the bytes and everything
// else holds projections.
type EntityRecord struct {
	Data json.RawMessage `json:"data"`
	Meta RecordMeta      `json:"meta"`
}

// Key returns the storage key for the record, "<entityType>:<entityId>".
func (r *EntityRecord) Key() string {
	return RecordKey(r.Meta.EntityType, r.Meta.EntityID)
}

// RecordKey builds the storage key for an entity snapshot.
func RecordKey(entityType EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}
