package adapters

import (
	"context"
	"encoding/json"

	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
)

// AssessmentAdapter syncs assessment entities. Assessments carry nested
// sections (rooms, hazards) edited independently in the field, so
// conflicts default to MergeByField.
type AssessmentAdapter struct {
	generic *syncpkg.GenericAdapter
}

// NewAssessmentAdapter wires the adapter over the generic upload/download
// path.
func NewAssessmentAdapter(transport syncpkg.Client, cache *records.Cache) *AssessmentAdapter {
	return &AssessmentAdapter{
		generic: syncpkg.NewGenericAdapter(transport, cache, models.MergeByField),
	}
}

func (a *AssessmentAdapter) EntityType() models.EntityType { return models.EntityAssessment }

// DefaultStrategy merges field by field.
func (a *AssessmentAdapter) DefaultStrategy() models.ConflictResolutionStrategy {
	return models.MergeByField
}

// ProcessItem validates the payload, then follows the generic path.
func (a *AssessmentAdapter) ProcessItem(ctx context.Context, item *models.SyncItem) error {
	if item.Operation != models.OpDelete && item.Status != models.StatusPendingDownload {
		var assessment models.Assessment
		if err := json.Unmarshal(item.Data, &assessment); err != nil {
			return models.WrapError(models.ErrValidation, "assessment payload", err)
		}
		if assessment.BeneficiaryID == "" {
			return models.NewError(models.ErrValidation, "assessment requires a beneficiary id")
		}
	}
	return a.generic.ProcessItem(ctx, item)
}
