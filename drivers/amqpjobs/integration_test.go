//go:build integration

package amqpjobs

import (
	"net"
	"testing"

	"github.com/fusion-framework/queue"
	"github.com/fusion-framework/queue/queuetest"
	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRabbitMQ(t *testing.T) {
	hostPort := queuetest.StartContainer(t, &dockertest.RunOptions{
		Repository: "rabbitmq",
		Tag:        "3-alpine",
	}, "5672/tcp", func(hostPort string) error {
		conn, err := amqp.Dial("amqp://guest:guest@" + hostPort + "/")
		if err != nil {
			return err
		}
		return conn.Close()
	})

	host, port, err := net.SplitHostPort(hostPort)
	require.NoError(t, err)

	newDriver := func(t *testing.T, clock queue.Clock) queue.Driver {
		d, err := NewConstructor().DriverFromConfig(queue.Connection{
			"name":  "rabbitmq",
			"host":  host,
			"port":  port,
			"queue": "it_" + uuid.NewString(),
		}, queue.Options{Log: zaptest.NewLogger(t), Clock: clock, MaxAttempts: 3}.WithDefaults())
		require.NoError(t, err)
		return d
	}

	queuetest.RunDriverSuite(t, newDriver, queuetest.Capabilities{SizeCountsDelayed: true, MaxAttempts: 3})
}
