package executor

import (
	"context"
	"encoding/json"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
)

// State resolves a state effect with its own inputs, which makes SetState values part of
// the journal.
type State struct{}

func (State) Execute(_ context.Context, req dispatch.Request) (dispatch.Resolution, error) {
	value := req.Inputs
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return dispatch.OK(value)
}

func (State) Idempotent() bool { return true }
