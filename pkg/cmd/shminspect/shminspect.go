// Package shminspect provides introspection of the shared memory regions.
package shminspect

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
)

func NewShmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shm",
		Short: "shared memory channel tools",
	}
	inspect := &cobra.Command{
		Use:   "inspect [frame|detection|control]...",
		Short: "prints the headers of the shared memory regions",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"frame", "detection", "control"}
			}
			return inspectRegions(cmd.OutOrStdout(), args)
		},
	}
	inspect.Flags().StringVar(&config.ShmDir,
		"shm-dir",
		shm.DefaultDir,
		"directory of the shared memory regions")
	inspect.Flags().StringVar(&config.ImageShmName,
		"image-shm-name",
		"lkas_image",
		"name of the frame region")
	inspect.Flags().StringVar(&config.DetectionShmName,
		"detection-shm-name",
		"lkas_detection",
		"name of the detection region")
	inspect.Flags().StringVar(&config.ControlShmName,
		"control-shm-name",
		"lkas_control",
		"name of the control region")
	cmd.AddCommand(inspect)
	return cmd
}

func region(which string) (string, shm.Kind, error) {
	switch which {
	case "frame":
		return config.ImageShmName, shm.KindFrame, nil
	case "detection":
		return config.DetectionShmName, shm.KindDetection, nil
	case "control":
		return config.ControlShmName, shm.KindControl, nil
	}
	return "", 0, fmt.Errorf("unknown region %q", which)
}

func inspectRegions(w io.Writer, which []string) error {
	var errs []error
	for _, x := range which {
		name, kind, err := region(x)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r, err := shm.Open(config.ShmDir, name, kind)
		if err != nil {
			fmt.Fprintf(w, "%-10s %-16s not available: %v\n", kind, name, err)
			continue
		}
		printHeader(w, r.Header())
		if kind == shm.KindControl {
			printControl(w, name)
		}
		r.Close()
	}
	return errors.Join(errs...)
}

func printHeader(w io.Writer, h shm.Header) {
	age := "-"
	if h.FrameID > 0 {
		age = time.Since(h.Timestamp).Round(time.Millisecond).String()
	}
	fmt.Fprintf(w, "%-10s %-16s frame_id=%d seq=%d payload=%d/%d age=%s\n",
		h.Kind, h.Name, h.FrameID, h.Sequence, h.PayloadLen, h.Capacity, age)
}

func printControl(w io.Writer, name string) {
	cr, err := shm.NewControlReader(config.ShmDir, name)
	if err != nil {
		return
	}
	defer cr.Close()
	rec, err := cr.Read()
	if err != nil {
		fmt.Fprintf(w, "%12s%v\n", "", err)
		return
	}
	c := rec.Command
	fmt.Fprintf(w, "%12sstate=%s throttle=%.3f steer=%.3f brake=%.3f fallback=%t reason=%s\n",
		"", rec.RunState, c.Throttle, c.Steer, c.Brake, c.IsFallback, c.Reason)
}
