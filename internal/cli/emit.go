package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/roach88/vicap/internal/vicon"
)

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	*RootOptions
	To      string
	Objects []string
	Rate    float64
	Count   int
	Radius  float64
}

// EmitResult reports what was sent.
type EmitResult struct {
	To      string   `json:"to"`
	Objects []string `json:"objects"`
	Packets int      `json:"packets"`
}

// NewEmitCommand creates the emit command.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send synthetic Vicon packets",
		Long: `Send Tracker-format UDP packets with objects moving on a circle.

Useful for checking a recorder setup without a Vicon system.

Examples:
  vicap emit --to 127.0.0.1:51001 --object cart --rate 100 --count 1000
  vicap emit --to 192.168.1.20:51001 --object cart --object gripper`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "127.0.0.1:51001", "destination UDP address")
	cmd.Flags().StringSliceVar(&opts.Objects, "object", []string{"cart"}, "object name (repeatable)")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 100, "packets per second")
	cmd.Flags().IntVar(&opts.Count, "count", 100, "packets to send (0 = until interrupted)")
	cmd.Flags().Float64Var(&opts.Radius, "radius", 1000, "circle radius in millimetres")

	return cmd
}

func runEmit(opts *EmitOptions, cmd *cobra.Command) error {
	if len(opts.Objects) == 0 || len(opts.Objects) > vicon.MaxObjects {
		return NewExitError(ExitCommandError, fmt.Sprintf("need between 1 and %d objects", vicon.MaxObjects))
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt)
	defer stop()

	e, err := vicon.Dial(ctx, opts.To)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open socket", err)
	}
	defer e.Close()

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	formatter.VerboseLog("emitting %v to %s at %.0f Hz", opts.Objects, opts.To, opts.Rate)

	sent, err := e.Stream(ctx, opts.Rate, opts.Count, func(i int) []vicon.Object {
		return circle(opts.Objects, opts.Radius, opts.Rate, i)
	})
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("send failed after %d packets", sent), err)
	}

	res := EmitResult{To: opts.To, Objects: opts.Objects, Packets: sent}
	return formatter.Print("", res, func(w io.Writer) {
		fmt.Fprintf(w, "Sent %d packets to %s\n", res.Packets, res.To)
	})
}

// circle places each object on a circle, one revolution every 4 seconds,
// spread evenly by phase. Heading follows the tangent.
func circle(names []string, radius, rate float64, i int) []vicon.Object {
	t := float64(i) / rate
	objects := make([]vicon.Object, len(names))
	for k, name := range names {
		phase := 2*math.Pi*t/4 + 2*math.Pi*float64(k)/float64(len(names))
		objects[k] = vicon.Object{
			ItemID:      vicon.ItemObject,
			Name:        name,
			Translation: [3]float64{radius * math.Cos(phase), radius * math.Sin(phase), 0},
			Rotation:    [3]float64{0, 0, phase + math.Pi/2},
		}
	}
	return objects
}
