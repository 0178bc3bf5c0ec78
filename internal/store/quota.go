// Package store provides the durable local store.
package store

import (
	"encoding/json"

	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
)

// staleRetryCount is the retry count at or above which an Error-status
// queue entry is considered abandoned and eligible for quota cleanup.
const staleRetryCount = 5

// CleanupStale purges persisted queue entries stuck in Error status with
// retryCount >= 5. Returns the number of keys removed.
func (s *SQLiteStore) CleanupStale() (int, error) {
	batch, err := s.GetByPrefix(models.QueueKeyPrefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for key, value := range batch {
		var item models.SyncItem
		if err := json.Unmarshal(value, &item); err != nil {
			logKeySkip("cleanup", key, err)
			continue
		}
		if item.Status == models.StatusError && item.RetryCount >= staleRetryCount {
			if err := s.Remove(key); err != nil {
				logKeySkip("cleanup", key, err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logging.Info("purged stale sync items", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// EnforceQuota checks usage against the cleanup threshold, purging stale
// Error items when crossed. The second return is true when usage still
// exceeds the hard ceiling afterwards, meaning an emergency-cleanup event
// should be raised by the caller.
func (s *SQLiteStore) EnforceQuota() (models.StorageQuotaInfo, bool, error) {
	info, err := s.StorageEstimate()
	if err != nil {
		return info, false, err
	}
	if info.Quota <= 0 || info.Percentage < s.opts.CleanupThreshold {
		return info, false, nil
	}

	if _, err := s.CleanupStale(); err != nil {
		return info, false, err
	}
	// Reclaim freed pages so the estimate reflects the cleanup.
	if _, err := s.db.Exec("VACUUM"); err != nil {
		logging.Warn("vacuum failed", map[string]interface{}{"error": err.Error()})
	}

	info, err = s.StorageEstimate()
	if err != nil {
		return info, false, err
	}
	return info, info.Percentage >= s.opts.HardCeiling, nil
}
