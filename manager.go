package queue

import (
	"context"
	stderr "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const parallelism int = 4

// Manager resolves connection names into drivers and routes every queue operation to them.
type Manager struct {
	mu sync.Mutex

	cfg      *Config
	log      *zap.Logger
	logger   Logger
	clock    Clock
	handlers *Registry
	metrics  *Metrics

	// keys are driver types (file, redis, ...)
	constructors map[string]Constructor
	// keys are connection names
	drivers map[string]*driverEntry
}

type driverEntry struct {
	mu     sync.Mutex
	driver Driver
}

type ManagerOption func(*Manager)

// WithHandlers sets the registry used by drivers that execute jobs inline.
func WithHandlers(r *Registry) ManagerOption {
	return func(m *Manager) {
		m.handlers = r
	}
}

func WithClock(c Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithMetrics(mt *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func NewManager(cfg *Config, log Logger, opts ...ManagerOption) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()

	m := &Manager{
		cfg:          cfg,
		logger:       log,
		log:          log.NamedLogger(PluginName),
		clock:        SystemClock,
		constructors: make(map[string]Constructor),
		drivers:      make(map[string]*driverEntry),
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Register makes a driver type available, optionally under extra alias names.
func (m *Manager) Register(c Constructor, aliases ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.constructors[strings.ToLower(c.Name())] = c
	for _, a := range aliases {
		m.constructors[strings.ToLower(a)] = c
	}
}

// Default returns the default connection name.
func (m *Manager) Default() string {
	return m.cfg.Default
}

// Drivers lists the registered driver types.
func (m *Manager) Drivers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.constructors))
	for n := range m.constructors {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Connections lists the configured connection names.
func (m *Manager) Connections() []string {
	names := make([]string, 0, len(m.cfg.Connections))
	for n := range m.cfg.Connections {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// DriverType returns the driver type a connection name resolves to.
func (m *Manager) DriverType(name string) string {
	return m.connection(m.resolve(name)).Driver()
}

func (m *Manager) resolve(name string) string {
	if name == "" {
		return m.cfg.Default
	}

	return strings.ToLower(name)
}

func (m *Manager) connection(name string) Connection {
	if conn, ok := m.cfg.Connections[name]; ok {
		return conn
	}

	return Connection{nameKey: name, driverKey: name}
}

// Driver returns the driver for the named connection, building it on first use.
// An empty name selects the default connection. Construction errors are not cached.
func (m *Manager) Driver(name string) (Driver, error) {
	name = m.resolve(name)
	conn := m.connection(name)
	dr := conn.Driver()

	m.mu.Lock()
	c, ok := m.constructors[dr]
	if !ok {
		m.mu.Unlock()
		return nil, &ConfigError{Connection: name, Reason: "driver [" + dr + "] is not supported"}
	}
	entry, ok := m.drivers[name]
	if !ok {
		entry = &driverEntry{}
		m.drivers[name] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.driver != nil {
		return entry.driver, nil
	}

	start := time.Now().UTC()
	m.log.Debug("initializing driver", zap.String("connection", name), zap.String("driver", dr))
	d, err := c.DriverFromConfig(conn, Options{
		Log:         m.logger.NamedLogger(dr),
		Clock:       m.clock,
		MaxAttempts: m.cfg.MaxTries,
		RetryAfter:  m.cfg.retryAfter(),
		Handlers:    m.handlers,
	}.WithDefaults())
	if err != nil {
		m.log.Error("failed to initialize driver", zap.String("connection", name), zap.String("driver", dr), zap.Error(err))
		return nil, err
	}

	m.log.Debug("driver was initialized", zap.String("connection", name), zap.String("driver", dr), zap.Duration("elapsed", time.Since(start)))
	entry.driver = d

	return d, nil
}

// Open builds the named connections up front and reports every failure at once.
func (m *Manager) Open(ctx context.Context, names ...string) error {
	const op = errors.Op("queue_manager_open")
	if len(names) == 0 {
		names = []string{m.cfg.Default}
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, n := range names {
		g.Go(func() error {
			if _, err := m.Driver(n); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.E(op, stderr.Join(errs...))
	}

	return nil
}

// Push adds a job of type jobType to the named connection.
func (m *Manager) Push(ctx context.Context, jobType string, payload Payload, delay int, driver string) error {
	const op = errors.Op("queue_manager_push")
	start := time.Now().UTC()

	d, err := m.Driver(driver)
	if err != nil {
		m.metrics.CountPushErr()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	err = d.Push(ctx, jobType, payload, delay)
	if err != nil {
		m.metrics.CountPushErr()
		m.log.Error("job push error", zap.String("job", jobType), zap.String("connection", m.resolve(driver)), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return errors.E(op, err)
	}

	m.metrics.CountPushOk(jobType, m.DriverType(driver), time.Since(start).Seconds())
	m.log.Debug("job was pushed successfully", zap.String("job", jobType), zap.String("connection", m.resolve(driver)), zap.Int("delay", delay), zap.Duration("elapsed", time.Since(start)))

	return nil
}

// Pop returns the next available job of the named connection, or nil when there is none.
func (m *Manager) Pop(ctx context.Context, driver string) (*Delivery, error) {
	d, err := m.Driver(driver)
	if err != nil {
		return nil, err
	}

	return d.Pop(ctx)
}

func (m *Manager) Size(ctx context.Context, driver string) (int, error) {
	d, err := m.Driver(driver)
	if err != nil {
		return 0, err
	}

	return d.Size(ctx)
}

func (m *Manager) Clear(ctx context.Context, driver string) error {
	d, err := m.Driver(driver)
	if err != nil {
		return err
	}

	return d.Clear(ctx)
}

func (m *Manager) Ack(ctx context.Context, dl *Delivery, driver string) error {
	d, err := m.Driver(driver)
	if err != nil {
		return err
	}

	return d.Ack(ctx, dl)
}

func (m *Manager) Fail(ctx context.Context, dl *Delivery, reason string, driver string) error {
	d, err := m.Driver(driver)
	if err != nil {
		return err
	}

	err = d.Fail(ctx, dl, reason)
	if err != nil {
		return err
	}

	m.metrics.CountFailed()
	return nil
}

func (m *Manager) Failed(ctx context.Context, driver string) ([]*FailedJob, error) {
	d, err := m.Driver(driver)
	if err != nil {
		return nil, err
	}

	return d.Failed(ctx)
}

func (m *Manager) Retry(ctx context.Context, id string, driver string) error {
	d, err := m.Driver(driver)
	if err != nil {
		return err
	}

	err = d.Retry(ctx, id)
	if err != nil {
		return err
	}

	m.metrics.CountRetried()
	m.log.Info("failed job was pushed back onto the queue", zap.String("ID", id), zap.String("connection", m.resolve(driver)))
	return nil
}

// Close closes every driver built so far.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := make(map[string]*driverEntry, len(m.drivers))
	for k, v := range m.drivers {
		entries[k] = v
	}
	m.drivers = make(map[string]*driverEntry)
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)

	g := &errgroup.Group{}
	g.SetLimit(parallelism)
	for name, e := range entries {
		g.Go(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.driver == nil {
				return nil
			}

			if err := e.driver.Close(); err != nil {
				m.log.Error("failed to close driver", zap.String("connection", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			e.driver = nil
			return nil
		})
	}
	_ = g.Wait()

	return stderr.Join(errs...)
}
