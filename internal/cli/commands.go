package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rollback-arena/internal/app"
	"rollback-arena/internal/config"
)

// NewSignalCommand starts the rendezvous service.
func NewSignalCommand(root *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Serve the websocket rendezvous service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.SignalAddr = addr
			}
			return app.RunSignal(cmd.Context(), cfg, app.Options{Stdout: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for the signaling service")
	return cmd
}

// NewRunCommand joins a room and plays a session.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var (
		room, signalURL, listen string
		frames                  int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a room and play with a scripted local fighter",
		Long: `Join a signaling room, open QUIC data channels to the other peers and
run the rollback session until interrupted or the frame limit is reached.

Example:
  arena run --room duel --signal ws://127.0.0.1:3536/ws
  RBA_INPUT_DELAY=3 arena run --config arena.yaml --frames 3600`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("room") {
				cfg.Room = room
			}
			if flags.Changed("signal") {
				cfg.SignalURL = signalURL
			}
			if flags.Changed("listen") {
				cfg.ListenAddr = listen
			}
			if flags.Changed("frames") {
				cfg.Frames = frames
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			report, err := app.Run(cmd.Context(), cfg, app.Options{Stdout: cmd.OutOrStdout()})
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "signaling room to join")
	cmd.Flags().StringVar(&signalURL, "signal", "", "signaling websocket URL")
	cmd.Flags().StringVar(&listen, "listen", "", "UDP address for the QUIC data channel")
	cmd.Flags().IntVar(&frames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	return cmd
}

// NewSyncTestCommand checks determinism offline.
func NewSyncTestCommand(root *RootOptions) *cobra.Command {
	var frames, distance int
	cmd := &cobra.Command{
		Use:   "synctest",
		Short: "Roll back every frame offline and compare checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if frames < 1 || distance < 1 {
				return fmt.Errorf("%w: frames and check distance must be positive", config.ErrInvalid)
			}
			return app.RunSyncTest(cmd.Context(), cfg, frames, distance, app.Options{Stdout: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 600, "frames to simulate")
	cmd.Flags().IntVar(&distance, "check-distance", 2, "frames rolled back on every tick")
	return cmd
}

func printReport(cmd *cobra.Command, report app.Report) {
	if report.Frame == 0 {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "frame=%d confirmed=%d handle=%d rollbacks=%d sync=%s events=%d\n",
		report.Frame, report.Confirmed, report.LocalHandle, report.Rollbacks, report.Sync, len(report.Events))
}
