package tcnats

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NatsContainer represents the nats container type used in the module
type NatsContainer struct {
	testcontainers.Container
}

type NatsContainerOption func(req *testcontainers.ContainerRequest)

func WithWaitStrategy(strategies ...wait.Strategy) NatsContainerOption {
	return func(req *testcontainers.ContainerRequest) {
		req.WaitingFor = wait.ForAll(strategies...).WithDeadline(1 * time.Minute)
	}
}

func WithPort(port string) NatsContainerOption {
	return func(req *testcontainers.ContainerRequest) {
		req.ExposedPorts = append(req.ExposedPorts, port)
	}
}

func WithName(containerName string) NatsContainerOption {
	return func(req *testcontainers.ContainerRequest) {
		req.Name = containerName
	}
}

// WithJetStream starts the server with jetstream enabled
func WithJetStream() NatsContainerOption {
	return func(req *testcontainers.ContainerRequest) {
		req.Cmd = append(req.Cmd, "-js")
	}
}

// SetupNats creates an instance of the nats container type
func SetupNats(ctx context.Context, opts ...NatsContainerOption) (
	*NatsContainer, error,
) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11",
		ExposedPorts: []string{},
		Cmd:          []string{},
	}

	for _, opt := range opts {
		opt(&req)
	}

	container, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
			Reuse:            true,
		})
	if err != nil {
		return nil, err
	}

	return &NatsContainer{Container: container}, nil
}
