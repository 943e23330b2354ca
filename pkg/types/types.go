// Package types defines the core domain values shared by the journal, the runtime and the
// approval surfaces.
package types

import (
	"encoding/json"
	"fmt"
)

// RunID identifies one execution instance of a process.
type RunID string

// EffectID is the unique handle of one requested effect.
type EffectID string

// RunStatus is the derived status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"   // no effect outstanding, process can be invoked
	RunPaused    RunStatus = "paused"    // waiting on at least one pending effect
	RunCompleted RunStatus = "completed" // RUN_COMPLETED appended
	RunFailed    RunStatus = "failed"    // RUN_FAILED appended
)

// Terminal reports whether no further events may be appended.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// EffectStatus is the ledger status of one effect.
type EffectStatus string

const (
	EffectRequested EffectStatus = "requested"
	EffectResolved  EffectStatus = "resolved"
)

// ResultStatus is the terminal outcome reported by an executor.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// Well-known effect kinds. The kind field is open; executors may register others.
const (
	KindAgent      = "agent"
	KindNode       = "node"
	KindShell      = "shell"
	KindBreakpoint = "breakpoint"
	KindState      = "state"
)

// Well-known error names carried in ErrorInfo.Name.
const (
	ErrNameRejected      = "Rejected"
	ErrNameTimeout       = "Timeout"
	ErrNameCancelled     = "Cancelled"
	ErrNamePolicyBlocked = "PolicyBlocked"
	ErrNameUnknownKind   = "UnknownKind"
	ErrNameExecutor      = "ExecutorError"
	ErrNameExecutorPanic = "ExecutorPanic"
	ErrNameProcess       = "ProcessError"
	ErrNameDuplicateKey  = "DuplicateKey"
)

// ErrorInfo is the structured error description stored in EFFECT_RESOLVED and RUN_FAILED.
type ErrorInfo struct {
	Name    string          `json:"name"`
	Message string          `json:"message"`
	Stack   string          `json:"stack,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements error so an ErrorInfo can be returned directly.
func (e *ErrorInfo) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewErrorInfo builds an ErrorInfo from a name and a Go error.
func NewErrorInfo(name string, err error) *ErrorInfo {
	info := &ErrorInfo{Name: name}
	if err != nil {
		info.Message = err.Error()
	}
	return info
}
