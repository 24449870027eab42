// Package viewer provides a telemetry subscriber logging summaries of the
// published topics.
package viewer

import (
	"fmt"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/bus/natsbus"
	"github.com/skynet-lkas/lkas-sim/pkg/cmd/util"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/telemetry"
)

var topics []string

func NewViewerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "viewer",
		Short: "logs summaries of the published telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runViewer()
		},
	}
	cmd.Flags().StringSliceVar(&topics,
		"topics",
		[]string{
			model.TopicFrame.String(), model.TopicDetection.String(),
			model.TopicState.String(), model.TopicStatus.String(),
		},
		"topics to subscribe to")
	return cmd
}

var (
	pathSteer    = jp.MustParseString("$.control.steer")
	pathThrottle = jp.MustParseString("$.control.throttle")
	pathFallback = jp.MustParseString("$.control.is_fallback")
	pathReason   = jp.MustParseString("$.control.reason")
	pathSpeed    = jp.MustParseString("$.speed_kmh")
	pathFrameID  = jp.MustParseString("$.frame_id")
	pathValid    = jp.MustParseString("$.valid")
	pathConf     = jp.MustParseString("$.confidence")
	pathLeft     = jp.MustParseString("$.left_lane")
	pathRight    = jp.MustParseString("$.right_lane")
	pathState    = jp.MustParseString("$.state")
	pathTicks    = jp.MustParseString("$.ticks")
	pathFallbs   = jp.MustParseString("$.fallbacks")
)

// summarize returns the log fields describing msg.
func summarize(msg *bus.Message) ([]log.Field, error) {
	if msg.Topic == model.TopicFrame {
		f, err := telemetry.DecodeFrame(msg.Header, msg.Data)
		if err != nil {
			return nil, err
		}
		return []log.Field{
			log.Uint64("frameId", f.FrameID),
			log.String("size", fmt.Sprintf("%dx%dx%d", f.Width, f.Height, f.Channels)),
			log.String("encoding", msg.Header[telemetry.HeaderEncoding]),
			log.Int("bytes", len(msg.Data)),
		}, nil
	}
	data, err := oj.Parse(msg.Data)
	if err != nil {
		return nil, err
	}
	ret := []log.Field{log.Any("frameId", pathFrameID.First(data))}
	switch msg.Topic {
	case model.TopicDetection:
		ret = append(ret,
			log.Any("valid", pathValid.First(data)),
			log.Any("confidence", pathConf.First(data)),
			log.Bool("left", pathLeft.First(data) != nil),
			log.Bool("right", pathRight.First(data) != nil))
	case model.TopicState:
		ret = append(ret,
			log.Any("steer", pathSteer.First(data)),
			log.Any("throttle", pathThrottle.First(data)),
			log.Any("fallback", pathFallback.First(data)),
			log.Any("reason", pathReason.First(data)),
			log.Any("speedKmh", pathSpeed.First(data)))
	case model.TopicStatus:
		ret = append(ret,
			log.Any("state", pathState.First(data)),
			log.Any("ticks", pathTicks.First(data)),
			log.Any("fallbacks", pathFallbs.First(data)))
	}
	return ret, nil
}

func runViewer() error {
	util.SetupLogger()
	ctx, cancel := util.SignalContext()
	defer cancel()

	opts := []natsbus.Option{}
	if config.StatusBucket != "" {
		opts = append(opts, natsbus.WithStatusBucket(config.StatusBucket, time.Hour))
	}
	b, err := util.ConnectNats(ctx, "lkas-sim-viewer", opts...)
	if err != nil {
		return err
	}
	defer b.Close()

	if config.StatusBucket != "" {
		if last, err := b.LastStatus(); err != nil {
			log.Warn("could not read last status", log.ErrorField(err))
		} else if last != nil {
			logMessage(&bus.Message{Topic: model.TopicStatus, Data: last})
		}
	}
	for _, t := range topics {
		sub, err := b.Subscribe(model.Topic(t), logMessage)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}
	log.Info("Viewer started", log.Strings("topics", topics))
	<-ctx.Done()
	return nil
}

func logMessage(msg *bus.Message) {
	fields, err := summarize(msg)
	if err != nil {
		log.Warn("could not decode message", log.String("topic", msg.Topic.String()), log.ErrorField(err))
		return
	}
	log.Info(msg.Topic.String(), fields...)
}
