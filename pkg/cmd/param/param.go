// Package param provides the command publishing parameter updates.
package param

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/cmd/util"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

func NewParamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "param",
		Short: "changes tunables of a running orchestrator",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "sets a tunable, e.g. base_throttle, warmup_limit, kp",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := parseUpdate(args[0], args[1])
			if err != nil {
				return err
			}
			return send(u)
		},
	})
	return cmd
}

func parseUpdate(key, value string) (model.ParameterUpdate, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return model.ParameterUpdate{}, fmt.Errorf("invalid value %q: %w", value, err)
	}
	if key == "" {
		return model.ParameterUpdate{}, fmt.Errorf("%w: empty key", model.ErrMalformedUpdate)
	}
	return model.ParameterUpdate{Key: key, Value: v}, nil
}

func send(u model.ParameterUpdate) error {
	util.SetupLogger()
	ctx, cancel := util.SignalContext()
	defer cancel()
	b, err := util.ConnectNats(ctx, "lkas-sim-param")
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Publish(&bus.Message{Topic: model.TopicParameter, Data: u.Encode()}); err != nil {
		return err
	}
	log.Info("parameter update sent", log.String("key", u.Key), log.Float64("value", u.Value))
	return nil
}
