// Package detector provides the reference detector process.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/cmd/util"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	lane "github.com/skynet-lkas/lkas-sim/pkg/detector"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
)

var (
	delay    string
	dropRate float64
	wakeup   bool
)

func NewDetectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detector",
		Short: "detector related commands",
	}
	cmd.AddCommand(newMockCmd())
	return cmd
}

func newMockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "runs a marker scanning detector on the shared memory channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMock()
		},
	}
	cmd.Flags().StringVar(&config.ShmDir,
		"shm-dir",
		shm.DefaultDir,
		"directory of the shared memory regions")
	cmd.Flags().StringVar(&config.ImageShmName,
		"image-shm-name",
		"lkas_image",
		"name of the frame region")
	cmd.Flags().StringVar(&config.DetectionShmName,
		"detection-shm-name",
		"lkas_detection",
		"name of the detection region")
	cmd.Flags().StringVar(&config.DetectorPoll,
		"poll",
		"2ms",
		"poll interval of the frame region")
	cmd.Flags().StringVar(&delay,
		"delay",
		"0s",
		"artificial processing delay")
	cmd.Flags().Float64Var(&dropRate,
		"drop-rate",
		0,
		"fraction of frames to skip")
	cmd.Flags().BoolVar(&wakeup,
		"wakeup",
		false,
		"subscribe to frame notifications on nats")
	return cmd
}

// waitForFrames opens the frame region once the orchestrator created it.
func waitForFrames(ctx context.Context, interval time.Duration) (*shm.FrameReader, error) {
	for {
		r, err := shm.NewFrameReader(config.ShmDir, config.ImageShmName)
		if err == nil {
			return r, nil
		}
		log.Debug("frame region not available", log.ErrorField(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func runMock() error {
	util.SetupLogger()
	ctx, cancel := util.SignalContext()
	defer cancel()

	writer, err := shm.NewDetectionWriter(config.ShmDir, config.DetectionShmName)
	if err != nil {
		return fmt.Errorf("detection channel: %w", err)
	}
	defer writer.Close()

	frames, err := waitForFrames(ctx, time.Second)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer frames.Close()

	runner := lane.NewRunner(frames, writer,
		lane.WithPollInterval(config.ParseDuration(config.DetectorPoll, 2*time.Millisecond)),
		lane.WithDelay(config.ParseDuration(delay, 0)),
		lane.WithDropRate(dropRate),
		lane.WithLogger(log.Default().Named("detector")))

	if wakeup {
		b, err := util.ConnectNats(ctx, "lkas-sim-detector")
		if err != nil {
			return err
		}
		defer b.Close()
		sub, err := b.Subscribe(model.TopicNotify, func(msg *bus.Message) {
			if _, err := strconv.ParseUint(string(msg.Data), 10, 64); err == nil {
				runner.Wakeup()
			}
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	log.Info("Detector started",
		log.String("frames", config.ImageShmName),
		log.String("detections", config.DetectionShmName))
	return runner.Run(ctx)
}
