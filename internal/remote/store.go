// Package remote defines the remote data store contract and its HTTP
// implementation for the hosted backend.
package remote

import (
	"context"

	"github.com/kilupskalvis/nestsync/internal/models"
)

// Store is the remote data store the sync core writes to.
type Store interface {
	// Apply performs an insert, update or delete and returns the confirmed
	// record when the backend echoes one (nil otherwise).
	Apply(ctx context.Context, m models.Mutation) (models.Record, error)

	// Fetch returns the current remote record, or nil if it does not exist.
	Fetch(ctx context.Context, table, recordID string) (models.Record, error)
}
