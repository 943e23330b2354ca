// ============================================================================
// procjournal Run Source
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decides which runs the background driver should resume.
//
// A run is resumable while its journal has no terminal event. Runs whose
// journal fails to load are skipped and logged; `journal verify` reports
// the details.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// RunSource yields the runs that still need work.
type RunSource interface {
	Poll(ctx context.Context) ([]types.RunID, error)
}

// RunSourceFunc adapts a function to RunSource.
type RunSourceFunc func(ctx context.Context) ([]types.RunID, error)

func (f RunSourceFunc) Poll(ctx context.Context) ([]types.RunID, error) { return f(ctx) }

// Catalog is what OpenRuns needs from the controller.
type Catalog interface {
	Runs(ctx context.Context) ([]types.RunID, error)
	Status(ctx context.Context, runID types.RunID) (*state.Projection, error)
}

// OpenRuns lists every non-terminal run of the catalog.
func OpenRuns(c Catalog) RunSource {
	return RunSourceFunc(func(ctx context.Context) ([]types.RunID, error) {
		ids, err := c.Runs(ctx)
		if err != nil {
			return nil, err
		}
		var open []types.RunID
		for _, id := range ids {
			proj, err := c.Status(ctx, id)
			if err != nil {
				log.Warn("Skipping unreadable run", "runID", id, "error", err)
				continue
			}
			if !proj.State.Status.Terminal() {
				open = append(open, id)
			}
		}
		return open, nil
	})
}
