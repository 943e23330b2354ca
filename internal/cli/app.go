package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/procjournal/internal/approval"
	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/internal/dispatch"
	"github.com/ChuLiYu/procjournal/internal/executor"
	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/metrics"
	"github.com/ChuLiYu/procjournal/internal/policy"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// approvalStore is what every approval backend offers.
type approvalStore interface {
	breakpoint.Service
	breakpoint.Lister
}

// app is the wired system behind one command.
type app struct {
	cfg        *Config
	controller *controller.Controller
	dispatcher *dispatch.Dispatcher
	approvals  approvalStore
	local      bool // approvals live in this process (memory or sqlite)
	metrics    *metrics.Collector
	closers    []func() error
}

type appOptions struct {
	in  io.Reader
	out io.Writer
	hub *approval.Hub // set by serve so that approval changes are streamed
}

// newApp builds journal backend, approval service, executors, dispatcher and controller.
func newApp(ctx context.Context, cfg *Config, s *settings, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewCollector(prometheus.NewRegistry())}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	backend, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	if err := a.openApprovals(backend); err != nil {
		return nil, err
	}
	if opts.hub != nil {
		a.approvals = approval.NewNotifying(a.approvals, opts.hub)
	}

	table, err := a.buildTable(s, opts)
	if err != nil {
		return nil, err
	}
	dopts := []dispatch.Option{
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithTimeout(cfg.Dispatch.EffectTimeout),
		dispatch.WithObserver(a.metrics),
	}
	if guard, err := loadPolicy(ctx, cfg.Dispatch.PolicyFile); err != nil {
		return nil, err
	} else if guard != nil {
		dopts = append(dopts, dispatch.WithGuard(guard))
	}
	if a.dispatcher, err = dispatch.New(table, dopts...); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.dispatcher.Close(); return nil })

	a.controller, err = controller.NewController(controller.Config{
		Backend:       backend,
		Registry:      s.registry,
		Dispatcher:    a.dispatcher,
		PendingPolicy: controller.PendingPolicy(cfg.Dispatch.PendingPolicy),
		SnapshotDir:   cfg.Journal.Snapshots,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) openJournal() (journal.Backend, error) {
	var (
		backend journal.Backend
		err     error
	)
	switch a.cfg.Journal.Backend {
	case "sqlite":
		backend, err = journal.NewSQLiteBackend(a.cfg.Journal.SQLitePath)
	default:
		backend, err = journal.NewFileBackend(a.cfg.Journal.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal backend: %w", err)
	}
	a.closers = append(a.closers, backend.Close)
	return backend, nil
}

func (a *app) openApprovals(backend journal.Backend) error {
	cfg := a.cfg.Approval
	switch cfg.Backend {
	case "memory":
		a.approvals = approval.NewMemory()
		a.local = true

	case "sqlite":
		// Share the journal database when both point at the same file.
		if sb, ok := backend.(*journal.SQLiteBackend); ok && cfg.SQLitePath == a.cfg.Journal.SQLitePath {
			s, err := approval.NewSQLite(sb.DB())
			if err != nil {
				return err
			}
			a.approvals = s
		} else {
			s, err := approval.OpenSQLite(cfg.SQLitePath)
			if err != nil {
				return fmt.Errorf("failed to open approval store: %w", err)
			}
			a.approvals = s
			a.closers = append(a.closers, s.Close)
		}
		a.local = true

	case "http":
		a.approvals = approval.NewClient(cfg.URL)

	case "grpc":
		conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to approval service: %w", err)
		}
		a.approvals = approval.NewGRPCClient(conn)
		a.closers = append(a.closers, conn.Close)
	}
	return nil
}

func (a *app) buildTable(s *settings, opts appOptions) (*dispatch.Table, error) {
	cfg := a.cfg
	mode, err := breakpoint.ParseMode(cfg.Breakpoint.Mode)
	if err != nil {
		return nil, err
	}
	bopts := []breakpoint.Option{breakpoint.WithPolling(cfg.Breakpoint.PollInterval, cfg.Breakpoint.MaxWait)}
	if mode == breakpoint.ModeInline {
		bopts = append(bopts, breakpoint.WithPrompter(&breakpoint.TerminalPrompter{
			In:   opts.in,
			Out:  opts.out,
			Name: operatorName(),
		}))
	}

	table := dispatch.NewTable()
	table.MustRegister(types.KindShell, &executor.Shell{
		Shell:      cfg.Dispatch.Shell,
		Dir:        cfg.Dispatch.WorkDir,
		InheritEnv: cfg.Dispatch.InheritEnv,
	})
	table.MustRegister(types.KindNode, &executor.Node{
		Binary:     cfg.Dispatch.NodeBinary,
		Dir:        cfg.Dispatch.WorkDir,
		InheritEnv: cfg.Dispatch.InheritEnv,
	})
	table.MustRegister(types.KindAgent, executor.NewAgent(cfg.Dispatch.AgentEndpoint))
	table.MustRegister(types.KindState, executor.State{})
	table.MustRegister(types.KindBreakpoint, breakpoint.NewCoordinator(a.approvals, mode, bopts...))
	for _, kind := range sortedKinds(s.executors) {
		if err := table.Register(kind, s.executors[kind]); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func loadPolicy(ctx context.Context, file string) (dispatch.Guard, error) {
	switch file {
	case "":
		return nil, nil
	case "default":
		return policy.NewEngine(ctx, policy.DefaultPolicy)
	}
	return policy.Load(ctx, file)
}

// Close releases everything newApp opened, last first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "terminal"
}
