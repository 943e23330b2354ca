package executor

import (
	"context"
	"errors"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
)

// ShellDef is the task definition of a shell effect.
type ShellDef struct {
	Command string            `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Shell runs `<Shell> -c <command>` with the effect inputs on stdin.
type Shell struct {
	Shell      string // default "sh"
	Dir        string // default working directory
	InheritEnv bool
	// Retryable marks commands as safe to re-run after a crash.
	Retryable bool
}

func (s *Shell) Execute(ctx context.Context, req dispatch.Request) (dispatch.Resolution, error) {
	var def ShellDef
	if err := decodeDef(req, &def); err != nil {
		return invalidDef(err), nil
	}
	if def.Command == "" {
		return invalidDef(errors.New("shell task has no command")), nil
	}
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}
	dir := def.Dir
	if dir == "" {
		dir = s.Dir
	}
	return run(ctx, command{
		name:    shell,
		args:    []string{"-c", def.Command},
		dir:     dir,
		env:     def.Env,
		stdin:   req.Inputs,
		inherit: s.InheritEnv,
	})
}

func (s *Shell) Idempotent() bool { return s.Retryable }
