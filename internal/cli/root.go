package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr       string
	ObserverID int
	Spectator  bool
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the observer CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "observer",
		Short: "Replicate tables from a table-sync host",
		Long:  "Connects to a table-sync host as an observer and keeps read-only replicas of its tables.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "ws://localhost:8080/ws", "host websocket address")
	cmd.PersistentFlags().IntVar(&opts.ObserverID, "observer-id", -1, "request a specific observer identity (-1 lets the host assign one)")
	cmd.PersistentFlags().BoolVar(&opts.Spectator, "spectator", false, "connect without an observer identity")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))

	return cmd
}
