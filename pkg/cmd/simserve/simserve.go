// Package simserve serves the synthetic simulator on the nats bridge.
package simserve

import (
	"github.com/spf13/cobra"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/cmd/util"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
	"github.com/skynet-lkas/lkas-sim/pkg/sim/natsbridge"
	"github.com/skynet-lkas/lkas-sim/pkg/sim/synthetic"
)

func NewSimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "simulator tools",
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "serves the synthetic simulator via the nats bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	serve.Flags().IntVar(&config.CameraWidth,
		"camera-width",
		800,
		"camera width")
	serve.Flags().IntVar(&config.CameraHeight,
		"camera-height",
		600,
		"camera height")
	cmd.AddCommand(serve)
	return cmd
}

func serve() error {
	util.SetupLogger()
	ctx, cancel := util.SignalContext()
	defer cancel()

	b, err := util.ConnectNats(ctx, "lkas-sim-bridge")
	if err != nil {
		return err
	}
	defer b.Close()

	s := synthetic.New(
		synthetic.WithCamera(sim.Camera{
			Width:    config.CameraWidth,
			Height:   config.CameraHeight,
			Channels: 4,
		}),
		synthetic.WithLogger(log.Default().Named("sim.synthetic")))
	srv, err := natsbridge.Serve(ctx, b.Conn(), s,
		natsbridge.WithServerPrefix(config.TopicPrefix),
		natsbridge.WithServerLogger(log.Default().Named("sim.bridge")))
	if err != nil {
		return err
	}
	defer srv.Close()
	log.Info("Synthetic simulator serving",
		log.String("nats", config.NatsURL),
		log.String("prefix", config.TopicPrefix))
	<-ctx.Done()
	return nil
}
