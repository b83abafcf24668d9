package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/reach/internal/api"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/trust"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	EngineFlags
	Addr          string
	Results       string
	DeadlineEvery time.Duration

	Advertise string // pack whose capabilities are advertised
	NodeID    string
	Tenant    string
	Level     int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers and the HTTP API against a database",
		Long: `Start the worker pool and the HTTP API on one database.

Workers lease ready jobs, execute their (simulated) tools and feed the
outcomes back to the engine. On start, outcomes committed by a crashed
worker but never applied are redelivered; run deadlines are checked
periodically. SIGINT or SIGTERM shuts everything down gracefully.

Example:
  reach serve --db ./reach.db --addr :8080 --workers 8
  reach serve --db ./reach.db --advertise ./packs/ingest.yaml --node-id eu-1 --tenant acme --level 1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "worker goroutines")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 50, "lease polls per second across the pool")
	cmd.Flags().DurationVar(&opts.LeaseTTL, "lease-ttl", 0, "job lease TTL (0 = queue default)")
	cmd.Flags().IntVar(&opts.MaxSteps, "max-events", 0, "per-run event quota (0 = engine default)")
	cmd.Flags().StringVar(&opts.Results, "results", "", "YAML or JSON file mapping tool names to results")
	cmd.Flags().DurationVar(&opts.DeadlineEvery, "deadline-interval", time.Second, "how often run deadlines are checked")
	cmd.Flags().StringVar(&opts.Advertise, "advertise", "", "pack whose capabilities this node advertises")
	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "node ID in the trust advertisement")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant ID in the trust advertisement")
	cmd.Flags().IntVar(&opts.Level, "level", int(trust.LevelNone), "determinism level (0 none, 1 seeded, 2 isolated)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	exec, err := loadResults(opts.Results)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid --results", err)
	}
	var apiOpts []api.Option
	if opts.Advertise != "" {
		adv, err := advertisementFor(opts.Advertise, opts.NodeID, opts.Tenant, opts.Level)
		if err != nil {
			return formatter.Fail(ExitCommandError, "invalid advertisement", err)
		}
		apiOpts = append(apiOpts, api.WithAdvertisement(adv))
	}

	st, err := openStore(opts.Database, true)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	eng := opts.EngineFlags.build(st)
	pool := opts.EngineFlags.pool(eng, exec, 100*time.Millisecond)
	server := api.New(eng, apiOpts...)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := eng.Recover(ctx); err != nil {
		return formatter.Fail(ExitCommandError, "recovery failed", err)
	} else if n > 0 {
		formatter.VerboseLog("Redelivered %d pending outcome(s)", n)
	}

	slog.Info("serving", "db", opts.Database, "addr", opts.Addr, "workers", opts.Workers)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", opts.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, opts.Addr) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return watchDeadlines(gctx, eng, opts.DeadlineEvery) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("stopped gracefully")
	return nil
}

// watchDeadlines fails overdue runs until ctx is done.
func watchDeadlines(ctx context.Context, eng *engine.Engine, every time.Duration) error {
	if every <= 0 {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := eng.CheckDeadlines(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if n > 0 {
				slog.Warn("runs failed on deadline", "count", n)
			}
		}
	}
}

func advertisementFor(path, nodeID, tenant string, level int) (trust.Advertisement, error) {
	lvl := trust.DeterminismLevel(level)
	if !lvl.Valid() {
		return trust.Advertisement{}, fmt.Errorf("unknown determinism level %d", level)
	}
	if nodeID == "" {
		return trust.Advertisement{}, fmt.Errorf("--node-id is required with --advertise")
	}
	cg, err := compilePack(path)
	if err != nil {
		return trust.Advertisement{}, err
	}
	return trust.Advertise(nodeID, tenant, cg.Pack, lvl), nil
}
