package main

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/procjournal/internal/executor"
	"github.com/ChuLiYu/procjournal/internal/runtime"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// processes returns the bundled process definitions.
func processes() *runtime.Registry {
	reg := runtime.NewRegistry()
	reg.MustRegister(runtime.Process{ID: "hello", Revision: "1", Entrypoint: "main.hello", Fn: hello})
	reg.MustRegister(runtime.Process{ID: "release", Revision: "1", Entrypoint: "main.release", Fn: release})
	return reg
}

// hello greets through one shell effect.
func hello(pc *runtime.Context, inputs json.RawMessage) (any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &in); err != nil {
			return nil, err
		}
	}
	if in.Name == "" {
		in.Name = "world"
	}
	var greeting string
	err := pc.Task(runtime.TaskSpec{
		Key:  "greet",
		Kind: types.KindShell,
		Def:  executor.ShellDef{Command: `printf 'hello, %s' "$NAME"`, Env: map[string]string{"NAME": in.Name}},
	}).Result(&greeting)
	if err != nil {
		return nil, err
	}
	return map[string]string{"greeting": greeting}, nil
}

type releaseInputs struct {
	Version string `json:"version"`
	Dir     string `json:"dir,omitempty"`
}

// release runs checks in parallel, asks for approval and tags the version.
func release(pc *runtime.Context, inputs json.RawMessage) (any, error) {
	var in releaseInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return nil, fmt.Errorf("release: %w", err)
	}
	if in.Version == "" {
		return nil, fmt.Errorf("release: version is required")
	}
	if err := pc.SetState("version", in.Version).Err(); err != nil {
		return nil, err
	}

	checks := pc.Parallel(
		runtime.TaskSpec{Key: "check/test", Kind: types.KindShell, Label: "test",
			Def: executor.ShellDef{Command: "echo tests passed", Dir: in.Dir}},
		runtime.TaskSpec{Key: "check/lint", Kind: types.KindShell, Label: "lint",
			Def: executor.ShellDef{Command: "echo lint clean", Dir: in.Dir}},
	)
	var reports []string
	if err := checks.Result(&reports); err != nil {
		return nil, err
	}

	var verdict runtime.BreakpointDecision
	err := pc.Breakpoint("approve-release", runtime.BreakpointRequest{
		Question: fmt.Sprintf("Release %s?", in.Version),
		Context:  map[string]any{"checks": reports},
	}).Result(&verdict)
	if err != nil {
		return nil, err
	}

	var tag string
	err = pc.Task(runtime.TaskSpec{
		Key:  "tag",
		Kind: types.KindShell,
		Def:  executor.ShellDef{Command: `printf 'v%s' "$VERSION"`, Dir: in.Dir, Env: map[string]string{"VERSION": in.Version}},
	}).Result(&tag)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tag": tag, "approvedBy": verdict.DecidedBy, "checks": reports}, nil
}
