package tcnats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestNats starts (or reuses) a nats server with jetstream and returns
// its client url. The test is skipped if no container runtime is available.
func SetupTestNats(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	port, err := nat.NewPort("tcp", "4222")
	if err != nil {
		t.Fatal(err)
	}
	container, err := SetupNats(ctx,
		WithPort(port.Port()),
		WithJetStream(),
		WithWaitStrategy(
			wait.ForLog("Server is ready").
				WithStartupTimeout(10*time.Second)),
		WithName("lkas-sim-test-nats"),
	)
	if err != nil {
		t.Fatal(err)
	}
	containerPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatal(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("nats://%s:%s", host, containerPort.Port())
}
