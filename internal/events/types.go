// Package events provides the in-process publish/subscribe bus with a
// durable, replayable event log.
package events

// Entity lifecycle events, one set per synchronized domain type.
const (
	EventAssessmentCreated   = "assessment.created"
	EventAssessmentUpdated   = "assessment.updated"
	EventAssessmentDeleted   = "assessment.deleted"
	EventAssessmentCompleted = "assessment.completed"

	EventBeneficiaryCreated = "beneficiary.created"
	EventBeneficiaryUpdated = "beneficiary.updated"
	EventBeneficiaryDeleted = "beneficiary.deleted"

	EventPhotoCreated = "photo.created"
	EventPhotoUpdated = "photo.updated"
	EventPhotoDeleted = "photo.deleted"

	EventMeasurementCreated = "measurement.created"
	EventMeasurementUpdated = "measurement.updated"
	EventMeasurementDeleted = "measurement.deleted"
)

// Sync lifecycle events.
const (
	EventSyncQueued           = "sync.queued"
	EventSyncStarted          = "sync.started"
	EventSyncProgress         = "sync.progress"
	EventSyncCompleted        = "sync.completed"
	EventSyncItemSynced       = "sync.item_synced"
	EventSyncItemFailed       = "sync.item_failed"
	EventSyncConflictDetected = "sync.conflict_detected"
	EventSyncConflictResolved = "sync.conflict_resolved"
	EventSyncTxStarted        = "sync.transaction_started"
	EventSyncTxCompleted      = "sync.transaction_completed"
)

// Connectivity events. These never leave the local bus.
const (
	EventNetworkOnline        = "network.online"
	EventNetworkOffline       = "network.offline"
	EventConnectionOpened     = "connection.opened"
	EventConnectionClosed     = "connection.closed"
	EventConnectionError      = "connection.error"
	EventConnectionMessage    = "connection.message_received"
	EventBandwidthTierChanged = "network.bandwidth_tier_changed"
)

// Storage events.
const (
	EventStorageQuotaWarning     = "storage.quota_warning"
	EventStorageEmergencyCleanup = "storage.emergency_cleanup"
	EventStorageCleared          = "storage.cleared"
	EventStorageMigrated         = "storage.migrated"
)

// lifecycleTypes are internal connection events excluded from duplex
// forwarding regardless of origin.
var lifecycleTypes = map[string]bool{
	EventNetworkOnline:     true,
	EventNetworkOffline:    true,
	EventConnectionOpened:  true,
	EventConnectionClosed:  true,
	EventConnectionError:   true,
	EventConnectionMessage: true,
}

// knownTypes is the full taxonomy; incoming duplex messages are only
// re-published under their declared type when it appears here.
var knownTypes = map[string]bool{
	EventAssessmentCreated: true, EventAssessmentUpdated: true,
	EventAssessmentDeleted: true, EventAssessmentCompleted: true,
	EventBeneficiaryCreated: true, EventBeneficiaryUpdated: true,
	EventBeneficiaryDeleted: true,
	EventPhotoCreated:       true, EventPhotoUpdated: true, EventPhotoDeleted: true,
	EventMeasurementCreated: true, EventMeasurementUpdated: true,
	EventMeasurementDeleted: true,
	EventSyncQueued:         true, EventSyncStarted: true, EventSyncProgress: true,
	EventSyncCompleted: true, EventSyncItemSynced: true, EventSyncItemFailed: true,
	EventSyncConflictDetected: true, EventSyncConflictResolved: true,
	EventSyncTxStarted: true, EventSyncTxCompleted: true,
	EventNetworkOnline: true, EventNetworkOffline: true,
	EventConnectionOpened: true, EventConnectionClosed: true,
	EventConnectionError: true, EventConnectionMessage: true,
	EventBandwidthTierChanged: true,
	EventStorageQuotaWarning:  true, EventStorageEmergencyCleanup: true,
	EventStorageCleared: true, EventStorageMigrated: true,
}

// KnownType reports whether t belongs to the event taxonomy.
func KnownType(t string) bool {
	return knownTypes[t]
}
