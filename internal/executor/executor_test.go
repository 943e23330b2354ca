package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

func request(kind string, def any, inputs string) dispatch.Request {
	raw, _ := json.Marshal(def)
	r := dispatch.Request{RunID: "run-1", EffectID: "e1", TaskID: "t1", Kind: kind, Def: raw}
	if inputs != "" {
		r.Inputs = json.RawMessage(inputs)
	}
	return r
}

// ============================================================================
// Shell
// ============================================================================

func TestShellJSONStdout(t *testing.T) {
	sh := &Shell{}
	res, err := sh.Execute(context.Background(), request("shell", ShellDef{Command: `printf '{"ok":true}'`}, ""))
	require.NoError(t, err)
	assert.Equal(t, types.ResultOK, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	assert.False(t, res.StartedAt.IsZero())
}

func TestShellTextStdoutAndStdin(t *testing.T) {
	sh := &Shell{}
	def := ShellDef{Command: `read -r line; echo "got $line $GREETING"`, Env: map[string]string{"GREETING": "hi"}}
	res, err := sh.Execute(context.Background(), request("shell", def, `{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, types.ResultOK, res.Status)
	assert.JSONEq(t, `"got {\"n\":1} hi"`, string(res.Result))
}

func TestShellNonZeroExit(t *testing.T) {
	sh := &Shell{}
	res, err := sh.Execute(context.Background(), request("shell", ShellDef{Command: "echo bad >&2; exit 3"}, ""))
	require.NoError(t, err)
	assert.Equal(t, types.ResultError, res.Status)
	assert.Equal(t, types.ErrNameExecutor, res.Error.Name)
	assert.JSONEq(t, `{"exitCode":3}`, string(res.Error.Data))
	assert.Equal(t, "bad\n", string(res.Stderr))
}

func TestShellContextDeadline(t *testing.T) {
	sh := &Shell{InheritEnv: true}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sh.Execute(ctx, request("shell", ShellDef{Command: "sleep 5"}, ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestShellInvalidDefinition(t *testing.T) {
	sh := &Shell{}
	res, err := sh.Execute(context.Background(), request("shell", ShellDef{}, ""))
	require.NoError(t, err)
	assert.Equal(t, types.ResultError, res.Status)
	assert.Contains(t, res.Error.Message, "no command")
	assert.False(t, sh.Idempotent())
}

func TestNodeMissingBinary(t *testing.T) {
	n := &Node{Binary: "/nonexistent/node-binary"}
	_, err := n.Execute(context.Background(), request("node", NodeDef{Script: "x.js"}, ""))
	assert.Error(t, err)
}

// ============================================================================
// Agent
// ============================================================================

func TestAgentOK(t *testing.T) {
	var got AgentRequest
	var idemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoke", r.URL.Path)
		idemKey = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"status":"ok","result":{"answer":42}}`))
	}))
	defer srv.Close()

	a := NewAgent(srv.URL)
	res, err := a.Execute(context.Background(), request("agent", map[string]string{"prompt": "q"}, `{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, types.ResultOK, res.Status)
	assert.JSONEq(t, `{"answer":42}`, string(res.Result))
	assert.Equal(t, "e1", idemKey)
	assert.Equal(t, types.EffectID("e1"), got.EffectID)
	assert.JSONEq(t, `{"prompt":"q"}`, string(got.Definition))
	assert.JSONEq(t, `{"x":1}`, string(got.Inputs))
}

func TestAgentReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","error":{"name":"RateLimited","message":"slow down"}}`))
	}))
	defer srv.Close()

	res, err := NewAgent(srv.URL).Execute(context.Background(), request("agent", AgentDef{}, ""))
	require.NoError(t, err)
	assert.Equal(t, types.ResultError, res.Status)
	assert.Equal(t, "RateLimited", res.Error.Name)
}

func TestAgentBareBodyAndHTTPFailure(t *testing.T) {
	bare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"summary":"done"}`))
	}))
	defer bare.Close()
	res, err := NewAgent("").Execute(context.Background(), request("agent", AgentDef{Endpoint: bare.URL}, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"done"}`, string(res.Result))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	res, err = NewAgent(broken.URL).Execute(context.Background(), request("agent", AgentDef{}, ""))
	require.NoError(t, err)
	assert.Equal(t, types.ResultError, res.Status)
	assert.Contains(t, res.Error.Message, "503")
}

func TestAgentWithoutEndpoint(t *testing.T) {
	res, err := NewAgent("").Execute(context.Background(), request("agent", AgentDef{}, ""))
	require.NoError(t, err)
	assert.Equal(t, types.ResultError, res.Status)
}

// ============================================================================
// State and Func
// ============================================================================

func TestStateEchoesInputs(t *testing.T) {
	res, err := State{}.Execute(context.Background(), request("state", map[string]string{"key": "k"}, `[1,2]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(res.Result))
	assert.True(t, State{}.Idempotent())

	res, err = State{}.Execute(context.Background(), dispatch.Request{Kind: "state"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(res.Result))
}

func TestFunc(t *testing.T) {
	double := Func(func(_ context.Context, in json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(in, &n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, &types.ErrorInfo{Name: "Negative", Message: "n < 0"}
		}
		if n == 0 {
			return nil, errors.New("zero")
		}
		return n * 2, nil
	})

	res, err := double.Execute(context.Background(), dispatch.Request{Inputs: json.RawMessage("21")})
	require.NoError(t, err)
	assert.Equal(t, "42", string(res.Result))

	res, err = double.Execute(context.Background(), dispatch.Request{Inputs: json.RawMessage("-1")})
	require.NoError(t, err)
	assert.Equal(t, "Negative", res.Error.Name)

	res, err = double.Execute(context.Background(), dispatch.Request{Inputs: json.RawMessage("0")})
	require.NoError(t, err)
	assert.Equal(t, types.ErrNameExecutor, res.Error.Name)

	table := dispatch.NewTable().MustRegister("double", Retryable(double)).MustRegister("plain", double)
	assert.True(t, table.IsIdempotent("double"))
	assert.False(t, table.IsIdempotent("plain"))
}

// attached behaves like an executor that re-attaches to state held elsewhere.
type attached struct{ Func }

func (attached) Timeout() time.Duration { return 0 }

func (attached) Resumable() bool { return true }

func TestRetryableKeepsCapabilities(t *testing.T) {
	ex := Retryable(attached{Func(echoFunc)})
	table := dispatch.NewTable().MustRegister("approval", ex)

	assert.True(t, table.IsIdempotent("approval"))
	assert.True(t, table.IsResumable("approval"))
	to, ok := table.Timeout("approval")
	require.True(t, ok)
	assert.Zero(t, to)
}

func echoFunc(_ context.Context, in json.RawMessage) (any, error) { return in, nil }
