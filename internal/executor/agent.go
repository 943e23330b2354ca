package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// AgentDef is the task definition of an agent effect. Everything besides Endpoint is
// forwarded to the agent untouched.
type AgentDef struct {
	Endpoint string `json:"endpoint,omitempty"`
}

// AgentRequest is the body POSTed to <endpoint>/invoke.
type AgentRequest struct {
	RunID      types.RunID     `json:"runId"`
	EffectID   types.EffectID  `json:"effectId"`
	TaskID     string          `json:"taskId"`
	Label      string          `json:"label,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
}

// AgentResponse is the agent's reply. A body without a status is taken as the result.
type AgentResponse struct {
	Status types.ResultStatus `json:"status"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *types.ErrorInfo   `json:"error,omitempty"`
}

// Agent invokes an external agent over HTTP. The effect id is sent as Idempotency-Key.
type Agent struct {
	Endpoint   string
	HTTPClient *http.Client
	Retryable  bool
}

// NewAgent creates an agent executor for endpoint.
func NewAgent(endpoint string) *Agent {
	return &Agent{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (a *Agent) Execute(ctx context.Context, req dispatch.Request) (dispatch.Resolution, error) {
	var def AgentDef
	if len(req.Def) > 0 {
		if err := json.Unmarshal(req.Def, &def); err != nil {
			return invalidDef(fmt.Errorf("decode agent task definition: %w", err)), nil
		}
	}
	endpoint := def.Endpoint
	if endpoint == "" {
		endpoint = a.Endpoint
	}
	if endpoint == "" {
		return invalidDef(fmt.Errorf("agent task %s has no endpoint", req.TaskID)), nil
	}

	body, err := json.Marshal(AgentRequest{
		RunID:      req.RunID,
		EffectID:   req.EffectID,
		TaskID:     req.TaskID,
		Label:      req.Label,
		Definition: req.Def,
		Inputs:     req.Inputs,
	})
	if err != nil {
		return dispatch.Resolution{}, fmt.Errorf("marshal agent request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dispatch.Resolution{}, fmt.Errorf("create agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", string(req.EffectID))
	httpReq.Header.Set("X-Run-ID", string(req.RunID))

	started := time.Now().UTC()
	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Resolution{}, ctx.Err()
		}
		return dispatch.Resolution{}, fmt.Errorf("invoke agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatch.Resolution{}, fmt.Errorf("read agent response: %w", err)
	}
	finished := time.Now().UTC()

	if resp.StatusCode != http.StatusOK {
		res := dispatch.Failure(types.ErrNameExecutor, fmt.Sprintf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		res.StartedAt, res.FinishedAt = started, finished
		return res, nil
	}

	var reply AgentResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return dispatch.Resolution{}, fmt.Errorf("decode agent response: %w", err)
	}
	var res dispatch.Resolution
	switch reply.Status {
	case types.ResultOK:
		res = dispatch.Resolution{Status: types.ResultOK, Result: reply.Result}
	case types.ResultError:
		res = dispatch.Resolution{Status: types.ResultError, Error: reply.Error}
	case "":
		res = dispatch.Resolution{Status: types.ResultOK, Result: json.RawMessage(raw)}
	default:
		return dispatch.Resolution{}, fmt.Errorf("agent returned unknown status %q", reply.Status)
	}
	res.StartedAt, res.FinishedAt = started, finished
	return res, nil
}

func (a *Agent) Idempotent() bool { return a.Retryable }
