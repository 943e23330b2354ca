package breakpoint

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Verdict is the result value of an approved breakpoint and the error data of a rejected one.
type Verdict struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// Resolution turns a decided approval into the effect resolution. It is the only place
// either path builds one.
func Resolution(a *Approval) (dispatch.Resolution, error) {
	if a.Pending() {
		return dispatch.Resolution{}, fmt.Errorf("breakpoint: approval %s is still pending", a.ID)
	}
	verdict := Verdict{Approved: a.Status == StatusApproved, Comment: a.Comment, DecidedBy: a.DecidedBy}
	data, err := json.Marshal(verdict)
	if err != nil {
		return dispatch.Resolution{}, err
	}
	res := dispatch.Resolution{StartedAt: a.CreatedAt.UTC()}
	if a.DecidedAt != nil {
		res.FinishedAt = a.DecidedAt.UTC()
	}
	if verdict.Approved {
		res.Status = types.ResultOK
		res.Result = data
		return res, nil
	}
	msg := "breakpoint rejected"
	if a.Comment != "" {
		msg = "breakpoint rejected: " + a.Comment
	}
	res.Status = types.ResultError
	res.Error = &types.ErrorInfo{Name: types.ErrNameRejected, Message: msg, Data: data}
	return res, nil
}
