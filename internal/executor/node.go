package executor

import (
	"context"
	"errors"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
)

// NodeDef is the task definition of a node effect.
type NodeDef struct {
	Script string            `json:"script"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Node runs a script with the node binary. Inputs arrive as JSON on stdin; a JSON
// document on stdout becomes the result.
type Node struct {
	Binary     string // default "node"
	Dir        string
	InheritEnv bool
	Retryable  bool
}

func (n *Node) Execute(ctx context.Context, req dispatch.Request) (dispatch.Resolution, error) {
	var def NodeDef
	if err := decodeDef(req, &def); err != nil {
		return invalidDef(err), nil
	}
	if def.Script == "" {
		return invalidDef(errors.New("node task has no script")), nil
	}
	bin := n.Binary
	if bin == "" {
		bin = "node"
	}
	return run(ctx, command{
		name:    bin,
		args:    append([]string{def.Script}, def.Args...),
		dir:     n.Dir,
		env:     def.Env,
		stdin:   req.Inputs,
		inherit: n.InheritEnv,
	})
}

func (n *Node) Idempotent() bool { return n.Retryable }
