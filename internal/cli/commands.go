package cli

import (
	"context"
	stderr "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/internal/server"
	"github.com/roadrunner-server/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const timeFormat string = "2006-01-02 15:04:05"

func (a *App) pushCommand() *cobra.Command {
	var delay int

	cmd := &cobra.Command{
		Use:     "queue:push <jobType> [payload]",
		Short:   "Push a job onto a queue",
		Example: `queue queue:push SendEmailJob '{"email":"user@example.com"}' --driver=redis`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType := args[0]
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}

			payload, err := queue.ParsePayload(raw)
			if err != nil {
				return errors.Errorf("invalid payload for job %s: %v", jobType, err)
			}

			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			err = rt.manager.Push(cmd.Context(), jobType, payload, delay, a.driver)
			if err != nil {
				return errors.Errorf("failed to push job %s to queue: %v", jobType, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s pushed to queue successfully%s.\n", jobType, driverText(" using %s driver", a.driver))
			return nil
		},
	}

	cmd.Flags().IntVar(&delay, "delay", 0, "seconds before the job becomes available")

	return cmd
}

func (a *App) workCommand() *cobra.Command {
	var (
		sleep         time.Duration
		maxJobs       int
		workers       int
		stopWhenEmpty bool
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "queue:work",
		Short: "Process jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// fail fast on a connection that cannot be opened
			err = rt.manager.Open(ctx, a.driver)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Starting queue worker%s...\n", driverText(" using %s driver", a.driver))
			fmt.Fprintln(out, "Press Ctrl+C to stop.")

			w := queue.NewPool(workers, rt.log.NamedLogger("pool"), func(int) *queue.Worker {
				return queue.NewWorker(rt.manager, rt.handlers, rt.log.NamedLogger("worker"),
					queue.WithDriver(a.driver),
					queue.WithSleep(sleep),
					queue.WithMaxJobs(maxJobs),
					queue.WithStopWhenEmpty(stopWhenEmpty),
					queue.WithWorkerMetrics(rt.metrics),
				)
			})

			if metricsAddr == "" {
				return w.Run(ctx)
			}

			srv, err := server.New(rt.log.NamedLogger("metrics"), rt.metrics)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			// the server stops as soon as the worker returns
			srvCtx, cancel := context.WithCancel(gctx)
			g.Go(func() error {
				return srv.Serve(srvCtx, metricsAddr)
			})
			g.Go(func() error {
				defer cancel()
				return w.Run(gctx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&sleep, "sleep", time.Second, "pause after an empty poll")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "stop a worker after this many jobs, 0 means no limit")
	cmd.Flags().IntVar(&workers, "workers", 1, "number of workers polling the connection")
	cmd.Flags().BoolVar(&stopWhenEmpty, "stop-when-empty", false, "stop once the queue is empty")
	cmd.Flags().StringVar(&metricsAddr, "metrics", a.env.MetricsAddr, "serve /metrics and /health on this address")

	return cmd
}

func (a *App) failedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue:failed",
		Short: "List failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			failed, err := rt.manager.Failed(cmd.Context(), a.driver)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(failed) == 0 {
				fmt.Fprintf(out, "No failed jobs found%s.\n", driverText(" for %s driver", a.driver))
				return nil
			}

			fmt.Fprintf(out, "Failed Jobs%s:\n", driverText(" (%s driver)", a.driver))
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tJOB\tFAILED AT\tERROR\tDATA")
			for _, f := range failed {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.ID, f.Type, f.FailedAt.Format(timeFormat), f.Error, f.Payload.String())
			}

			return tw.Flush()
		},
	}
}

func (a *App) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue:retry <jobId>",
		Short: "Push a failed job back onto its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			err = rt.manager.Retry(cmd.Context(), id, a.driver)
			if err != nil {
				if stderr.Is(err, queue.ErrJobNotFound) {
					return errors.Errorf("failed to retry job %s: %v", id, err)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s retried successfully%s.\n", id, driverText(" using %s driver", a.driver))
			return nil
		},
	}
}

func (a *App) clearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue:clear",
		Short: "Remove every waiting job, failed jobs are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			err = rt.manager.Clear(cmd.Context(), a.driver)
			if err != nil {
				return errors.Errorf("failed to clear queue: %v", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Queue cleared successfully%s.\n", driverText(" for %s driver", a.driver))
			return nil
		},
	}
}

func (a *App) sizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue:size",
		Short: "Print the number of waiting jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			size, err := rt.manager.Size(cmd.Context(), a.driver)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Queue size%s: %d\n", driverText(" (%s driver)", a.driver), size)
			return nil
		},
	}
}

func (a *App) driversCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue:drivers",
		Short: "List the available drivers and connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.manager.Close() }()

			m := rt.manager
			def := m.Default()
			defType := m.DriverType(def)
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Available Queue Drivers:")
			fmt.Fprintln(out, "======================")
			for _, d := range m.Drivers() {
				status := ""
				if d == defType {
					status = " (default)"
				}
				fmt.Fprintf(out, "  %s%s\n", d, status)
			}

			if conns := m.Connections(); len(conns) > 0 {
				fmt.Fprintln(out, "\nConfigured Connections:")
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, c := range conns {
					fmt.Fprintf(tw, "  %s\t%s\n", c, m.DriverType(c))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "\nCurrent default driver: %s\n", def)
			return nil
		},
	}
}
