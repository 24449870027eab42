// Package util holds setup code shared by the commands.
package util

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // profiling port is opt-in
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus/natsbus"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/pkg/utils"
)

func ParseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

// SetupLogger installs the default logger according to the log flags.
func SetupLogger() *log.Logger {
	if config.LogFilter != "" {
		if err := log.SetFilterRules(config.LogFilter); err != nil {
			fmt.Fprintf(os.Stderr, "invalid log filter %q: %v\n", config.LogFilter, err)
		}
	}
	var logger *log.Logger
	switch config.LogFormat {
	case "json":
		logger = log.New(
			os.Stderr,
			ParseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	default:
		logger = log.DevLogger(
			os.Stderr,
			ParseLogLevel(config.LogLevel, log.DebugLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	}
	log.ResetDefault(logger)
	return logger
}

func StartProfiling() {
	if config.ProfilingPort <= 0 {
		return
	}
	log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
	go func() {
		//nolint:gosec // local only
		err := http.ListenAndServe(
			fmt.Sprintf("localhost:%d", config.ProfilingPort),
			nil)
		if err != nil {
			log.Error("Profiling server stopped", log.ErrorField(err))
		}
	}()
}

func SetupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

// WaitForRequiredServices blocks until every addr accepts tcp connections.
func WaitForRequiredServices(ctx context.Context, addrs ...string) error {
	timeout := config.ParseDuration(config.WaitForServices, 60*time.Second)

	wg := sync.WaitGroup{}
	errs := make(chan error, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := utils.WaitForTCP(ctx, addr, timeout); err != nil {
				errs <- err
			}
		}()
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return fmt.Errorf("required services not ready: %w", err)
	}
	log.Debug("Required services are available")
	return nil
}

// ConnectNats waits for the nats server and returns a bus on it.
func ConnectNats(ctx context.Context, clientName string, opts ...natsbus.Option) (*natsbus.Bus, error) {
	addr, err := config.NatsAddr(config.NatsURL)
	if err != nil {
		return nil, err
	}
	if err := WaitForRequiredServices(ctx, addr); err != nil {
		return nil, err
	}
	return natsbus.Connect(config.NatsURL, clientName,
		append([]natsbus.Option{natsbus.WithPrefix(config.TopicPrefix)}, opts...)...)
}

// SignalContext is canceled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
