package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/procjournal/internal/approval"
	"github.com/ChuLiYu/procjournal/internal/server"
)

func buildServeCommand(s *settings) *cobra.Command {
	var noRunner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the approval API and resume open runs in the background",
		Long: `serve exposes the approval service over HTTP (REST plus a websocket change
stream) and gRPC, publishes metrics, and keeps resuming every non-terminal run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s, !noRunner)
		},
	}
	cmd.Flags().BoolVar(&noRunner, "no-runner", false, "serve approvals only, do not resume runs")
	return cmd
}

func serve(ctx context.Context, s *settings, runner bool) error {
	cfg := s.cfg
	hub := approval.NewHub()
	a, err := newApp(ctx, cfg, s, appOptions{hub: hub})
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.local {
		return fmt.Errorf("serve needs a local approval backend (memory or sqlite), not %q", cfg.Approval.Backend)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := a.metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	sc := server.Config{
		HTTPPort: cfg.Server.HTTPPort,
		GRPCPort: cfg.Server.GRPCPort,
		Workers:  cfg.Dispatch.Workers,
	}
	if runner {
		sc.ResumeInterval = cfg.Server.ResumeInterval
	}
	return server.New(sc, a.controller, a.approvals, hub, a.metrics).Run(ctx)
}
