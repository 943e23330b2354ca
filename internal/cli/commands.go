package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/state"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// ============================================================================
// run
// ============================================================================

func buildRunCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, drive and inspect runs",
	}
	cmd.AddCommand(
		buildRunCreateCommand(s),
		buildRunIterateCommand(s),
		buildRunResumeCommand(s),
		buildRunStatusCommand(s),
		buildRunEventsCommand(s),
		buildRunCancelCommand(s),
		buildRunResolveCommand(s),
		buildRunListCommand(s),
	)
	return cmd
}

func buildRunCreateCommand(s *settings) *cobra.Command {
	var (
		inputs     string
		inputsFile string
		runID      string
		resume     bool
	)
	cmd := &cobra.Command{
		Use:   "create <processId>",
		Short: "Create a run of a registered process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInputs(inputs, inputsFile)
			if err != nil {
				return err
			}
			return withApp(cmd, s, func(a *app) error {
				id, err := a.controller.CreateRun(cmd.Context(), controller.CreateRequest{
					RunID:     types.RunID(runID),
					ProcessID: args[0],
					Inputs:    raw,
				})
				if err != nil {
					return err
				}
				if !resume {
					return printJSON(cmd.OutOrStdout(), map[string]any{"runId": id})
				}
				it, err := a.controller.Run(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), it)
			})
		},
	}
	cmd.Flags().StringVar(&inputs, "inputs", "", "inputs as a JSON document")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "read inputs from a JSON file")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: generated)")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the run right after creating it")
	cmd.MarkFlagsMutuallyExclusive("inputs", "inputs-file")
	return cmd
}

func readInputs(inline, file string) (json.RawMessage, error) {
	data := []byte(inline)
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("failed to read inputs: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("inputs are not valid JSON")
	}
	return data, nil
}

func buildRunIterateCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "iterate <runId>",
		Short: "Perform one resumption of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, s, func(a *app) error {
				it, err := a.controller.Iterate(cmd.Context(), types.RunID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), it)
			})
		},
	}
}

func buildRunResumeCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <runId>",
		Short: "Resume a run until it ends or blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, s, func(a *app) error {
				it, err := a.controller.Run(cmd.Context(), types.RunID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), it)
			})
		},
	}
}

// statusView is what `run status` prints.
type statusView struct {
	State   state.RunState  `json:"state"`
	Pending []*state.Effect `json:"pending"`
	Output  json.RawMessage `json:"output,omitempty"`
	Events  int             `json:"events"`
}

func buildRunStatusCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status <runId>",
		Short: "Show the derived state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := types.RunID(args[0])
			return withApp(cmd, s, func(a *app) error {
				proj, err := a.controller.Status(cmd.Context(), runID)
				if err != nil {
					return err
				}
				view := statusView{
					State:   proj.State,
					Pending: proj.Ledger.Pending(),
					Events:  proj.Events,
				}
				if view.Pending == nil {
					view.Pending = []*state.Effect{}
				}
				if ref := proj.State.OutputRef; ref != "" {
					if view.Output, err = a.controller.Blob(cmd.Context(), runID, ref); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

// eventView is one journal record as `run events` prints it.
type eventView struct {
	Seq        uint64            `json:"seq,omitempty"`
	Type       journal.EventType `json:"type"`
	RecordedAt time.Time         `json:"recordedAt"`
	Data       json.RawMessage   `json:"data"`
	Checksum   string            `json:"checksum"`
}

func viewOf(seq uint64, ev journal.Event) eventView {
	return eventView{Seq: seq, Type: ev.Type, RecordedAt: ev.RecordedAt, Data: ev.Data, Checksum: ev.Checksum}
}

func buildRunEventsCommand(s *settings) *cobra.Command {
	var audit bool
	cmd := &cobra.Command{
		Use:   "events <runId>",
		Short: "Print the journal of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := types.RunID(args[0])
			return withApp(cmd, s, func(a *app) error {
				views := []eventView{}
				if audit {
					events, err := a.controller.Audit(cmd.Context(), runID)
					if err != nil {
						return err
					}
					for _, ev := range events {
						views = append(views, viewOf(0, ev))
					}
				} else {
					records, err := a.controller.Events(cmd.Context(), runID)
					if err != nil {
						return err
					}
					for _, r := range records {
						views = append(views, viewOf(r.Seq, r.Event))
					}
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().BoolVar(&audit, "audit", false, "print the audit side-log instead")
	return cmd
}

func buildRunCancelCommand(s *settings) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Fail a run with Cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := types.RunID(args[0])
			return withApp(cmd, s, func(a *app) error {
				if err := a.controller.Cancel(cmd.Context(), runID, reason); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"runId": runID, "status": types.RunFailed})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the failure message")
	return cmd
}

func buildRunResolveCommand(s *settings) *cobra.Command {
	var (
		status    string
		result    string
		errorName string
		message   string
	)
	cmd := &cobra.Command{
		Use:   "resolve <runId> <effectId>",
		Short: "Resolve a pending effect by hand",
		Long: `Resolve appends EFFECT_RESOLVED for an effect a crash or a deferred executor
left pending. Use it for effects the manual pending policy refuses to re-run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := manualResolution(status, result, errorName, message)
			if err != nil {
				return err
			}
			runID, effectID := types.RunID(args[0]), types.EffectID(args[1])
			return withApp(cmd, s, func(a *app) error {
				if err := a.controller.ResolveEffect(cmd.Context(), runID, effectID, res); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"runId": runID, "effectId": effectID, "status": res.Status})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "ok", "ok or error")
	cmd.Flags().StringVar(&result, "result", "", "result JSON for an ok resolution")
	cmd.Flags().StringVar(&errorName, "error-name", types.ErrNameRejected, "error name for an error resolution")
	cmd.Flags().StringVar(&message, "message", "", "error message")
	return cmd
}

func manualResolution(status, result, errorName, message string) (dispatch.Resolution, error) {
	switch types.ResultStatus(status) {
	case types.ResultOK:
		if result == "" {
			result = "null"
		}
		if !json.Valid([]byte(result)) {
			return dispatch.Resolution{}, fmt.Errorf("result is not valid JSON")
		}
		return dispatch.Resolution{Status: types.ResultOK, Result: json.RawMessage(result)}, nil
	case types.ResultError:
		if errorName == "" {
			return dispatch.Resolution{}, fmt.Errorf("an error resolution needs --error-name")
		}
		return dispatch.Failure(errorName, message), nil
	}
	return dispatch.Resolution{}, fmt.Errorf("unknown status %q (want ok or error)", status)
}

func buildRunListCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, s, func(a *app) error {
				ids, err := a.controller.Runs(cmd.Context())
				if err != nil {
					return err
				}
				type row struct {
					RunID     types.RunID     `json:"runId"`
					ProcessID string          `json:"processId,omitempty"`
					Status    types.RunStatus `json:"status,omitempty"`
					Error     string          `json:"error,omitempty"`
				}
				rows := []row{}
				for _, id := range ids {
					r := row{RunID: id}
					if proj, err := a.controller.Status(cmd.Context(), id); err != nil {
						r.Error = err.Error()
					} else {
						r.ProcessID, r.Status = proj.State.ProcessID, proj.State.Status
					}
					rows = append(rows, r)
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Journal maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <runId>",
		Short: "Verify checksums, positions and event structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := types.RunID(args[0])
			return withApp(cmd, s, func(a *app) error {
				n, err := a.controller.Verify(cmd.Context(), runID)
				if err != nil {
					return fmt.Errorf("journal of %s is corrupt after %d valid events: %w", runID, n, err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"runId": runID, "events": n, "valid": true})
			})
		},
	})
	return cmd
}

// ============================================================================
// breakpoint
// ============================================================================

func buildBreakpointCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakpoint",
		Short: "Review approvals requested by breakpoints",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, s, func(a *app) error {
				approvals, err := a.approvals.List(cmd.Context(), breakpoint.Status(status))
				if err != nil {
					return err
				}
				if approvals == nil {
					approvals = []*breakpoint.Approval{}
				}
				return printJSON(cmd.OutOrStdout(), approvals)
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(breakpoint.StatusPending), "pending, approved, rejected or empty for all")

	cmd.AddCommand(list, buildDecideCommand(s, true), buildDecideCommand(s, false))
	return cmd
}

func buildDecideCommand(s *settings, approve bool) *cobra.Command {
	var comment, by string
	use, short := "approve <approvalId>", "Approve a pending breakpoint"
	if !approve {
		use, short = "reject <approvalId>", "Reject a pending breakpoint"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by == "" {
				by = operatorName()
			}
			return withApp(cmd, s, func(a *app) error {
				approval, err := a.approvals.Decide(cmd.Context(), args[0], breakpoint.Decision{
					Approved:  approve,
					Comment:   comment,
					DecidedBy: by,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), approval)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the decision")
	cmd.Flags().StringVar(&by, "by", "", "reviewer name (default: current user)")
	return cmd
}
