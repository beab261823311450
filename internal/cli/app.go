// Package cli wires configuration, drivers and handlers into the queue commands.
package cli

import (
	"fmt"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/drivers/amqpjobs"
	"github.com/fusion-framework/queue/drivers/beanstalkjobs"
	"github.com/fusion-framework/queue/drivers/databasejobs"
	"github.com/fusion-framework/queue/drivers/filejobs"
	"github.com/fusion-framework/queue/drivers/redisjobs"
	"github.com/fusion-framework/queue/drivers/sqsjobs"
	"github.com/fusion-framework/queue/drivers/syncjobs"
	"github.com/fusion-framework/queue/internal/config"
	"github.com/fusion-framework/queue/internal/jobs"
	"github.com/fusion-framework/queue/internal/logger"
	"github.com/roadrunner-server/errors"
	"github.com/spf13/cobra"
)

type App struct {
	env     *config.Env
	log     *logger.Logger
	clock   queue.Clock
	jobOpts []jobs.Option

	configPath string
	driver     string
}

type Option func(*App)

func WithEnv(env *config.Env) Option {
	return func(a *App) {
		a.env = env
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(a *App) {
		a.log = l
	}
}

func WithClock(c queue.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// WithJobOptions tunes the demo handlers.
func WithJobOptions(opts ...jobs.Option) Option {
	return func(a *App) {
		a.jobOpts = append(a.jobOpts, opts...)
	}
}

// runtime is what a single command invocation works with.
type runtime struct {
	manager  *queue.Manager
	handlers *queue.Registry
	metrics  *queue.Metrics
	log      *logger.Logger
}

// bootstrap reads the configuration and builds a manager with every driver registered.
func (a *App) bootstrap(cmd *cobra.Command) (*runtime, error) {
	const op = errors.Op("cli_bootstrap")

	log := a.log
	if log == nil {
		l, err := logger.New(a.env.LogLevel, a.env.LogFormat)
		if err != nil {
			return nil, errors.E(op, err)
		}
		log = l
	}

	// an explicit --config must exist
	src, err := config.Load(a.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, errors.E(op, err)
	}

	cfg, err := queue.ConfigFrom(src)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if a.env.Driver != "" {
		cfg.Default = a.env.Driver
	}

	handlers := queue.NewRegistry()
	err = jobs.Register(handlers, log.NamedLogger("jobs"), a.jobOpts...)
	if err != nil {
		return nil, errors.E(op, err)
	}

	metrics := queue.NewMetrics()
	opts := []queue.ManagerOption{queue.WithHandlers(handlers), queue.WithMetrics(metrics)}
	if a.clock != nil {
		opts = append(opts, queue.WithClock(a.clock))
	}

	m := queue.NewManager(cfg, log, opts...)
	m.Register(syncjobs.NewConstructor())
	m.Register(filejobs.NewConstructor())
	m.Register(redisjobs.NewConstructor())
	m.Register(beanstalkjobs.NewConstructor())
	m.Register(amqpjobs.NewConstructor(), amqpjobs.Alias)
	m.Register(sqsjobs.NewConstructor())
	m.Register(databasejobs.NewConstructor())

	return &runtime{
		manager:  m,
		handlers: handlers,
		metrics:  metrics,
		log:      log,
	}, nil
}

// NewCommand builds the root command.
func NewCommand(opts ...Option) *cobra.Command {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	if a.env == nil {
		a.env = &config.Env{
			ConfigPath: config.DefaultPath,
			LogLevel:   "info",
			LogFormat:  logger.FormatConsole,
		}
	}

	root := &cobra.Command{
		Use:           "queue",
		Short:         "Push, work and inspect background jobs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", a.env.ConfigPath, "configuration file")
	root.PersistentFlags().StringVar(&a.driver, "driver", "", "connection name, the configured default when empty")

	root.AddCommand(
		a.pushCommand(),
		a.workCommand(),
		a.failedCommand(),
		a.retryCommand(),
		a.clearCommand(),
		a.sizeCommand(),
		a.driversCommand(),
	)

	return root
}

// driverText renders the optional connection suffix of a status line.
func driverText(format, driver string) string {
	if driver == "" {
		return ""
	}

	return fmt.Sprintf(format, driver)
}
