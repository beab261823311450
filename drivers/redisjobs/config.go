package redisjobs

import (
	"time"

	"github.com/fusion-framework/queue"
)

const (
	defaultHost  string        = "127.0.0.1"
	defaultPort  int           = 6379
	defaultQueue string        = "fusion_jobs"
	defaultBlock time.Duration = time.Second
	// BRPOP never waits longer than this, so a worker observes shutdown quickly
	maxBlock time.Duration = time.Second
)

type config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gt=0,lte=65535"`
	Password string
	Database int    `validate:"gte=0"`
	Queue    string `validate:"required"`
	// Block is how long Pop waits on an empty list. Zero disables blocking.
	Block time.Duration `validate:"gte=0"`
}

func configFrom(conn queue.Connection) *config {
	cfg := &config{
		Host:     conn.String("host", defaultHost),
		Port:     conn.Int("port", defaultPort),
		Password: conn.String("password", ""),
		Database: conn.Int("database", 0),
		Queue:    conn.String("queue", defaultQueue),
		Block:    conn.Duration("block", defaultBlock),
	}

	if cfg.Block > maxBlock {
		cfg.Block = maxBlock
	}

	return cfg
}
