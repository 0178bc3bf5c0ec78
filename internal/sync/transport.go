package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openhabitat/accesscase/internal/models"
)

// ConflictError reports that the server copy of an entity diverged from the
// payload a push carried. It is a typed signal, never inferred from error
// text; the transport returns it verbatim and the drain loop routes it to
// the resolver.
type ConflictError struct {
	EntityType     models.EntityType
	EntityID       string
	ServerData     json.RawMessage
	ServerModified int64 // unix ms
	ServerVersion  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %s/%s: server copy modified at %d",
		e.EntityType, e.EntityID, e.ServerModified)
}

// AsConflict unwraps err as a *ConflictError.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// FetchResult is the server copy of one entity.
type FetchResult struct {
	Data         json.RawMessage
	LastModified int64 // unix ms
	Version      int
}

// Client is the transport boundary. The core never sees the wire format;
// it only requires that the collaborator report success, a transient
// failure, or a *ConflictError.
type Client interface {
	// Push submits the item's operation. Returns *ConflictError when the
	// server copy diverged from the item's base version.
	Push(ctx context.Context, item *models.SyncItem) error

	// ForcePush overwrites server state with the item's payload. The server
	// may still refuse, which surfaces as an ordinary error.
	ForcePush(ctx context.Context, item *models.SyncItem) error

	// Fetch retrieves the authoritative server copy of one entity.
	Fetch(ctx context.Context, entityType models.EntityType, entityID string) (*FetchResult, error)

	// Probe measures current throughput in bytes per second using a small
	// timed payload.
	Probe(ctx context.Context) (float64, error)
}
