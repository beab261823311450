//go:build integration

package queuetest

import (
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

// StartContainer runs a throwaway container and waits until ready accepts the
// host address mapped to port. Tests are skipped when docker is not available.
func StartContainer(t *testing.T, opts *dockertest.RunOptions, port string, ready func(hostPort string) error) string {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	pool.MaxWait = 90 * time.Second

	if err = pool.Client.Ping(); err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	res, err := pool.RunWithOptions(opts, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("could not start %s: %v", opts.Repository, err)
	}
	t.Cleanup(func() {
		_ = pool.Purge(res)
	})

	hostPort := res.GetHostPort(port)
	err = pool.Retry(func() error {
		return ready(hostPort)
	})
	if err != nil {
		t.Fatalf("%s did not become ready: %v", opts.Repository, err)
	}

	return hostPort
}
