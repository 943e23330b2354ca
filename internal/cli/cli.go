// ============================================================================
// procjournal CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra command tree over the run controller and the approval service
//
// Command Structure:
//   procjournal
//   ├── run
//   │   ├── create <processId>          append RUN_CREATED (--inputs, --run-id, --resume)
//   │   ├── iterate <runId>             one resumption
//   │   ├── resume <runId>              resume until terminal or blocked
//   │   ├── status <runId>              derived RunState and pending effects
//   │   ├── events <runId>              journal records (--audit for the side-log)
//   │   ├── cancel <runId>              append RUN_FAILED{Cancelled}
//   │   ├── resolve <runId> <effectId>  resolve a pending effect by hand
//   │   └── list                        known runs
//   ├── journal verify <runId>          checksums, positions, structure
//   ├── breakpoint
//   │   ├── list                        approvals (--status)
//   │   ├── approve <approvalId>
//   │   └── reject <approvalId>
//   ├── processes                       registered process definitions
//   ├── serve                           approval HTTP + gRPC, metrics, background runner
//   ├── --config, -c                    config file (default configs/default.yaml)
//   └── --verbose, -v                   debug logging
//
// Configuration:
//   YAML (see Config). A missing file means defaults.
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/internal/runtime"
)

var log = logging.Component("cli")

// settings carries what main contributes plus the parsed global flags.
type settings struct {
	registry   *runtime.Registry
	executors  map[string]dispatch.Executor
	configFile string
	verbose    bool
	cfg        *Config
}

// Option contributes process definitions or executors to the CLI.
type Option func(*settings)

// WithRegistry sets the process definitions runs can be created from.
func WithRegistry(r *runtime.Registry) Option { return func(s *settings) { s.registry = r } }

// WithExecutor binds an additional effect kind.
func WithExecutor(kind string, ex dispatch.Executor) Option {
	return func(s *settings) { s.executors[kind] = ex }
}

// BuildCLI returns the root command.
func BuildCLI(opts ...Option) *cobra.Command {
	s := &settings{executors: make(map[string]dispatch.Executor)}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = runtime.NewRegistry()
	}

	rootCmd := &cobra.Command{
		Use:   "procjournal",
		Short: "procjournal: durable, replayable process orchestration",
		Long: `procjournal runs orchestration processes against an append-only journal:
- every side effect is requested and resolved through checksummed events
- state is a pure fold of the journal, so any run resumes after a crash
- human approvals pause a run until a decision arrives`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(s.configFile)
			if err != nil {
				return err
			}
			s.cfg = cfg
			return setupLogging(cfg, s.verbose, cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&s.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&s.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(buildRunCommand(s))
	rootCmd.AddCommand(buildJournalCommand(s))
	rootCmd.AddCommand(buildBreakpointCommand(s))
	rootCmd.AddCommand(buildProcessesCommand(s))
	rootCmd.AddCommand(buildServeCommand(s))

	return rootCmd
}

// withApp wires the system for one command and closes it afterwards.
func withApp(cmd *cobra.Command, s *settings, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), s.cfg, s, appOptions{in: cmd.InOrStdin(), out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func buildProcessesCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List registered process definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range s.registry.IDs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKinds(m map[string]dispatch.Executor) []string {
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
