package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ordserv/internal/config"
	"github.com/roach88/ordserv/internal/coordinator"
	"github.com/roach88/ordserv/internal/recorder"
	"github.com/roach88/ordserv/internal/schedule"
	"github.com/roach88/ordserv/internal/store"
	"github.com/roach88/ordserv/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen       []string
	Schedule     string
	Watch        bool
	Database     string
	ExclusiveIDs bool
	QueueSize    int

	// RunIDs allows overriding run id generation (for testing).
	// If nil, defaults to UUIDv7RunIDs.
	RunIDs coordinator.RunIDGenerator

	// Ready, if set, is called with the coordinator and the dialable
	// listener addresses once every listener is open (for testing).
	Ready func(coord *coordinator.Coordinator, addrs []string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ordering coordinator",
		Long: `Run the ordering coordinator on one or more addresses.

Each --listen address selects a transport by scheme: tcp://host:port,
unix:///path/to.sock or ws://host:port[/path]. With --schedule, Do
tracepoints are held back until the schedule's predecessors have been
recorded. With --watch, saving the schedule file starts a new run.

With --db every coordinator event is journaled to SQLite for "ordserv trace".

Examples:
  ordserv serve
  ordserv serve --listen tcp://127.0.0.1:15045 --listen unix:///tmp/ordserv.sock
  ordserv serve --schedule ./words.yaml --watch --db ./runs.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Listen, "listen", defaults.Server.Listen, "address to listen on (repeatable)")
	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "ordering schedule (YAML)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "start a new run when the schedule file changes")
	cmd.Flags().StringVar(&opts.Database, "db", "", "journal events to this SQLite database")
	cmd.Flags().BoolVar(&opts.ExclusiveIDs, "exclusive-ids", defaults.Server.ExclusiveIDs, "reject a connect whose client id is already active")
	cmd.Flags().IntVar(&opts.QueueSize, "queue-size", defaults.Server.QueueSize, "requests read ahead per connection")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd, map[string]string{
		"server.listen":        "listen",
		"server.schedule":      "schedule",
		"server.watch":         "watch",
		"server.exclusive_ids": "exclusive-ids",
		"server.queue_size":    "queue-size",
		"journal.path":         "db",
	})
	if err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	coordOpts := []coordinator.Option{
		coordinator.WithExclusiveIDs(cfg.Server.ExclusiveIDs),
	}
	if opts.RunIDs != nil {
		coordOpts = append(coordOpts, coordinator.WithRunIDGenerator(opts.RunIDs))
	}

	if cfg.Server.Schedule != "" {
		sched, err := schedule.Load(cfg.Server.Schedule)
		if err != nil {
			if errors.Is(err, schedule.ErrCyclic) {
				return WrapExitError(ExitFailure, "schedule can never complete", err)
			}
			return WrapExitError(ExitCommandError, "failed to load schedule", err)
		}
		slog.Info("schedule loaded", "path", cfg.Server.Schedule, "name", sched.Name, "rules", len(sched.Rules))
		coordOpts = append(coordOpts, coordinator.WithSchedule(sched))
	}

	// Journal: open before the coordinator so the first run is recorded.
	var journalDone chan error
	if cfg.Journal.Path != "" {
		slog.Info("opening journal", "path", cfg.Journal.Path)
		st, err := store.Open(cfg.Journal.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()

		last, err := st.LastSeq(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}

		rec := recorder.New(st)
		coordOpts = append(coordOpts,
			coordinator.WithObserver(rec),
			coordinator.WithClock(coordinator.NewClockAt(last)),
		)

		journalDone = make(chan error, 1)
		go func() { journalDone <- rec.Run(context.Background()) }()
		// Runs after the listeners have stopped, before the store closes.
		defer func() {
			rec.Stop()
			if err := <-journalDone; err != nil {
				slog.Error("journal writer failed", "error", err)
			}
		}()
	}

	coord := coordinator.New(coordOpts...)

	listeners, err := listenAll(cfg.Server.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if cfg.Server.Watch {
		w, err := newScheduleWatcher(cfg.Server.Schedule, coord)
		if err != nil {
			closeListeners(listeners)
			return WrapExitError(ExitCommandError, "failed to watch schedule", err)
		}
		defer w.Close()
		go w.Run(ctx)
	}

	srv := coordinator.NewServer(coord, coordinator.WithQueueSize(cfg.Server.QueueSize))

	addrs := make([]string, len(listeners))
	for i, ln := range listeners {
		addrs[i] = ln.Addr()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Coordinator listening on %s (run %s)\n", strings.Join(addrs, ", "), coord.RunID())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(coord, addrs)
	}

	// One failed listener stops the others.
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		serveErr error
	)
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln transport.Listener) {
			defer wg.Done()
			if err := srv.Serve(ctx, ln); err != nil {
				errMu.Lock()
				if serveErr == nil {
					serveErr = fmt.Errorf("%s: %w", ln.Addr(), err)
				}
				errMu.Unlock()
				cancel()
			}
		}(ln)
	}
	wg.Wait()

	if serveErr != nil {
		return WrapExitError(ExitFailure, "coordinator error", serveErr)
	}
	slog.Info("coordinator stopped gracefully", "run_id", coord.RunID())
	return nil
}

// listenAll opens every address or none.
func listenAll(addresses []string) ([]transport.Listener, error) {
	listeners := make([]transport.Listener, 0, len(addresses))
	for _, address := range addresses {
		ln, err := transport.Listen(address)
		if err != nil {
			closeListeners(listeners)
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func closeListeners(listeners []transport.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}
