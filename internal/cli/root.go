// Package cli exposes the arena processes as cobra commands.
package cli

import (
	"github.com/spf13/cobra"

	"rollback-arena/internal/config"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Players    int
	Seed       string
}

// NewRootCommand creates the arena command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "arena",
		Short:         "Peer-to-peer rollback arena",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML file with RBA_* settings (environment wins)")
	cmd.PersistentFlags().IntVar(&opts.Players, "players", 0, "players per session")
	cmd.PersistentFlags().StringVar(&opts.Seed, "seed", "", "world seed shared by every peer")

	cmd.AddCommand(NewSignalCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncTestCommand(opts))
	return cmd
}

// load reads the configuration and applies the flags the user set.
func (o *RootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("players") {
		cfg.Players = o.Players
	}
	if flags.Changed("seed") {
		cfg.WorldSeed = o.Seed
	}
	return cfg, nil
}
