//go:build integration

package databasejobs

import (
	"fmt"
	"net"
	"testing"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/queuetest"
	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func TestPostgres(t *testing.T) {
	var dsn string
	queuetest.StartContainer(t, &dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "17-alpine",
		Env: []string{
			"POSTGRES_USER=queue",
			"POSTGRES_PASSWORD=queue",
			"POSTGRES_DB=queue",
		},
	}, "5432/tcp", func(hostPort string) error {
		host, port, err := net.SplitHostPort(hostPort)
		if err != nil {
			return err
		}
		dsn = fmt.Sprintf("host=%s port=%s user=queue password=queue dbname=queue sslmode=disable TimeZone=UTC", host, port)

		db, err := Open(dialectPostgres, dsn)
		if err != nil {
			return err
		}
		return closeDB(db)
	})

	db, err := Open(dialectPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = closeDB(db)
	})

	newDriver := func(t *testing.T, clock queue.Clock) queue.Driver {
		return &sharedDB{Driver: New(db, "it_"+uuid.NewString(), queue.Options{Log: zaptest.NewLogger(t), Clock: clock, MaxAttempts: 3})}
	}

	queuetest.RunDriverSuite(t, newDriver, queuetest.Capabilities{MaxAttempts: 3})
}

// sharedDB keeps the pool open when a single test driver is closed.
type sharedDB struct {
	*Driver
}

func (s *sharedDB) Close() error {
	return nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
