package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Task asks a worker to resume one run.
type Task struct {
	RunID   types.RunID   // run to resume
	Timeout time.Duration // zero means no deadline
}

// Result reports one resumption.
type Result struct {
	RunID     types.RunID
	Iteration *controller.Iteration // nil when Err is set
	Err       error
	Duration  time.Duration
}

// Runner resumes a run until it ends or blocks. *controller.Controller implements it.
type Runner interface {
	Run(ctx context.Context, runID types.RunID) (*controller.Iteration, error)
}
