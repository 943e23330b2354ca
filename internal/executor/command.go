// Package executor provides the built-in effect executors: shell commands, node scripts,
// HTTP agents, the state echo and in-process functions.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// command is one child process invocation.
type command struct {
	name  string
	args  []string
	dir   string
	env   map[string]string
	stdin []byte
	// inherit passes the host environment through before env is applied.
	inherit bool
}

// run executes cmd, capturing both streams. Exit status 0 resolves ok with stdout as the
// result: parsed when it is JSON, a JSON string otherwise. A non-zero exit resolves with
// ExecutorError carrying the exit code. Context errors are returned so the dispatcher can
// classify them as Timeout or Cancelled.
func run(ctx context.Context, c command) (dispatch.Resolution, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Dir = c.dir
	cmd.Env = buildEnv(c.env, c.inherit)
	cmd.Stdin = bytes.NewReader(c.stdin)
	// own process group so cancellation kills the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now().UTC()
	err := cmd.Run()
	finished := time.Now().UTC()

	res := dispatch.Resolution{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("start %s: %w", c.name, err)
		}
		data, _ := json.Marshal(map[string]int{"exitCode": exitErr.ExitCode()})
		res.Status = types.ResultError
		res.Error = &types.ErrorInfo{
			Name:    types.ErrNameExecutor,
			Message: fmt.Sprintf("%s exited with status %d", c.name, exitErr.ExitCode()),
			Data:    data,
		}
		return res, nil
	}
	res.Status = types.ResultOK
	res.Result = stdoutResult(stdout.Bytes())
	return res, nil
}

func stdoutResult(out []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	data, _ := json.Marshal(string(trimmed))
	return data
}

// buildEnv returns a deterministic environment. Without inherit only the declared
// variables are visible.
func buildEnv(env map[string]string, inherit bool) []string {
	result := []string{}
	if inherit {
		result = append(result, os.Environ()...)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}

func decodeDef(req dispatch.Request, v any) error {
	if len(req.Def) == 0 {
		return fmt.Errorf("effect %s has no task definition", req.EffectID)
	}
	if err := json.Unmarshal(req.Def, v); err != nil {
		return fmt.Errorf("decode %s task definition: %w", req.Kind, err)
	}
	return nil
}

func invalidDef(err error) dispatch.Resolution {
	return dispatch.Failure(types.ErrNameExecutor, err.Error())
}
