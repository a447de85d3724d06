package cli

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/table-sync/internal/types"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Scoped bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch TABLE...",
		Short: "Print every update to the named tables",
		Long: `Replicate the named tables and print each change set as it is applied.

With --scoped the names are base names and the observer's identity is
appended, addressing the tables private to this observer.

Examples:
  observer watch scores
  observer watch inventory --scoped --observer-id 3 --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Scoped, "scoped", false, "treat table names as observer-scoped base names")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	obs, err := connect(ctx, opts.RootOptions, logger)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	emit := func(table types.TableName, changes types.ChangeSet, deletions types.DeletionSet) error {
		mu.Lock()
		defer mu.Unlock()
		return writeUpdate(out, opts.Format, updateLine{Table: table, Changes: changes, Deletions: deletions})
	}

	for _, name := range args {
		table := types.TableName(name)
		if opts.Scoped {
			table = obs.replicator.PlayerTable(table)
		}
		obs.replicator.SubscribeAndFire(table, emit)
	}

	return obs.run(ctx)
}
