// Package databasejobs keeps jobs in SQL tables through gorm. Pop claims a row by
// deleting it, so any number of workers may share one table.
package databasejobs

import (
	"context"
	stderr "errors"
	"sync"

	"github.com/fusion-framework/queue"
	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	pluginName string = "database"

	dialectPostgres string = "postgres"
	dialectSQLite   string = "sqlite"

	defaultQueue string = "fusion_jobs"
	// rows another worker claimed first are skipped this many times per Pop
	claimAttempts int = 5
)

type config struct {
	Dialect string `validate:"required,oneof=postgres sqlite"`
	DSN     string `validate:"required"`
	Queue   string `validate:"required"`
}

type Constructor struct{}

func NewConstructor() *Constructor {
	return &Constructor{}
}

func (c *Constructor) Name() string {
	return pluginName
}

func (c *Constructor) DriverFromConfig(conn queue.Connection, opts queue.Options) (queue.Driver, error) {
	const op = errors.Op("database_driver_from_config")
	cfg := &config{
		Dialect: conn.String("dialect", dialectSQLite),
		DSN:     conn.String("dsn", ""),
		Queue:   conn.String("queue", defaultQueue),
	}
	if err := queue.ValidateConfig(conn.Name(), cfg); err != nil {
		return nil, err
	}

	db, err := Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return New(db, cfg.Queue, opts), nil
}

// Open connects and runs the migrations.
func Open(dialect, dsn string) (*gorm.DB, error) {
	var (
		dial        gorm.Dialector
		gooseDriver string
	)

	switch dialect {
	case dialectPostgres:
		dial = postgres.Open(dsn)
		gooseDriver = "postgres"
	case dialectSQLite:
		dial = sqlite.Open(dsn)
		gooseDriver = "sqlite3"
	default:
		return nil, errors.Errorf("unsupported dialect %s", dialect)
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if dialect == dialectSQLite {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	err = Migrate(sqlDB, gooseDriver)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return db, nil
}

type Driver struct {
	db *gorm.DB

	log         *zap.Logger
	clock       queue.Clock
	maxAttempts int
	queue       string

	mu      sync.Mutex
	lastSeq int64
}

func New(db *gorm.DB, name string, opts queue.Options) *Driver {
	opts = opts.WithDefaults()

	return &Driver{
		db:          db,
		log:         opts.Log,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		queue:       name,
	}
}

// seq orders rows by insertion, even when the clock does not move.
func (d *Driver) seq() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.clock.Now().UnixNano()
	if s <= d.lastSeq {
		s = d.lastSeq + 1
	}
	d.lastSeq = s

	return s
}

func (d *Driver) Push(ctx context.Context, jobType string, payload queue.Payload, delay int) error {
	const op = errors.Op("database_driver_push")
	j := queue.NewJob(d.clock.Now(), jobType, payload, delay, d.maxAttempts)

	err := d.db.WithContext(ctx).Create(newJobRow(d.queue, j, d.seq())).Error
	if err != nil {
		d.log.Error("job push error", zap.String("ID", j.ID), zap.String("queue", d.queue), zap.Error(err))
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Pop(ctx context.Context) (*queue.Delivery, error) {
	const op = errors.Op("database_driver_pop")
	db := d.db.WithContext(ctx)

	for i := 0; i < claimAttempts; i++ {
		var row jobRow
		err := db.Where("queue = ? AND available_at <= ?", d.queue, d.clock.Now().Unix()).
			Order("seq").
			Limit(1).
			Take(&row).Error
		if err != nil {
			if stderr.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, errors.E(op, err)
		}

		res := db.Where("id = ?", row.ID).Delete(&jobRow{})
		if res.Error != nil {
			return nil, errors.E(op, res.Error)
		}

		// claimed by another worker
		if res.RowsAffected != 1 {
			continue
		}

		j, err := row.toJob()
		if err != nil {
			d.log.Warn("malformed job record was discarded", zap.String("ID", row.ID), zap.Error(err))
			return nil, nil
		}

		return queue.NewDelivery(j, nil), nil
	}

	return nil, nil
}

// Size counts the rows that are due.
func (d *Driver) Size(ctx context.Context) (int, error) {
	const op = errors.Op("database_driver_size")

	var count int64
	err := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("queue = ? AND available_at <= ?", d.queue, d.clock.Now().Unix()).
		Count(&count).Error
	if err != nil {
		return 0, errors.E(op, err)
	}

	return int(count), nil
}

func (d *Driver) Clear(ctx context.Context) error {
	const op = errors.Op("database_driver_clear")

	err := d.db.WithContext(ctx).Where("queue = ?", d.queue).Delete(&jobRow{}).Error
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Ack is a no-op, Pop already deleted the row.
func (d *Driver) Ack(_ context.Context, _ *queue.Delivery) error {
	return nil
}

func (d *Driver) Fail(ctx context.Context, dl *queue.Delivery, reason string) error {
	const op = errors.Op("database_driver_fail")
	if dl == nil || dl.Job == nil {
		return errors.E(op, errors.Str("nil delivery"))
	}

	row := newFailedRow(uuid.NewString(), d.queue, queue.NewFailedJob(dl.Job, d.clock.Now(), reason), d.seq())
	err := d.db.WithContext(ctx).Create(row).Error
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Failed(ctx context.Context) ([]*queue.FailedJob, error) {
	const op = errors.Op("database_driver_failed")

	var rows []failedRow
	err := d.db.WithContext(ctx).Where("queue = ?", d.queue).Order("seq").Find(&rows).Error
	if err != nil {
		return nil, errors.E(op, err)
	}

	failed := make([]*queue.FailedJob, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		f, err := rows[i].toFailed()
		if err != nil {
			d.log.Warn("malformed failed record was skipped", zap.String("ID", rows[i].JobID), zap.Error(err))
			continue
		}
		failed = append(failed, f)
	}

	return failed, nil
}

func (d *Driver) Retry(ctx context.Context, id string) error {
	const op = errors.Op("database_driver_retry")

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row failedRow
		err := tx.Where("queue = ? AND job_id = ?", d.queue, id).Order("seq").Limit(1).Take(&row).Error
		if err != nil {
			if stderr.Is(err, gorm.ErrRecordNotFound) {
				return queue.ErrJobNotFound
			}
			return err
		}

		res := tx.Where("uuid = ?", row.UUID).Delete(&failedRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return queue.ErrJobNotFound
		}

		f, err := row.toFailed()
		if err != nil {
			return err
		}

		return tx.Create(newJobRow(d.queue, f.Requeue(d.clock.Now()), d.seq())).Error
	})

	if err != nil {
		if stderr.Is(err, queue.ErrJobNotFound) {
			return queue.ErrJobNotFound
		}
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
