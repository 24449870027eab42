// Package action provides the command publishing operator actions.
package action

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/cmd/util"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

var spawnPoint int

func NewActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "action <respawn|pause|resume|quit>",
		Short:     "sends an action to a running orchestrator",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"respawn", "pause", "resume", "quit"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := buildEvent(args[0], cmd.Flags().Changed("spawn-point"))
			if err != nil {
				return err
			}
			return send(ev)
		},
	}
	cmd.Flags().IntVar(&spawnPoint,
		"spawn-point",
		0,
		"spawn point for respawn (default: the current one)")
	return cmd
}

func buildEvent(arg string, withSpawnPoint bool) (model.ActionEvent, error) {
	t, err := model.ParseActionType(arg)
	if err != nil {
		return model.ActionEvent{}, err
	}
	ev := model.ActionEvent{Type: t}
	if withSpawnPoint {
		if t != model.ActionRespawn {
			return model.ActionEvent{}, fmt.Errorf("--spawn-point is only valid for %s", model.ActionRespawn)
		}
		ev.Payload = map[string]any{"spawn_point": spawnPoint}
	}
	return ev, nil
}

func send(ev model.ActionEvent) error {
	util.SetupLogger()
	ctx, cancel := util.SignalContext()
	defer cancel()
	b, err := util.ConnectNats(ctx, "lkas-sim-action")
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Publish(&bus.Message{
		Topic:  model.TopicAction,
		Header: map[string]string{"Sent": time.Now().UTC().Format(time.RFC3339Nano)},
		Data:   ev.Encode(),
	}); err != nil {
		return err
	}
	log.Info("action sent", log.String("type", string(ev.Type)), log.Any("payload", ev.Payload))
	return nil
}
