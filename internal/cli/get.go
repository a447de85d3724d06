package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/table-sync/internal/types"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Scoped  bool
	Timeout time.Duration
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get TABLE",
		Short: "Print a table once it has been replicated",
		Long: `Connect, wait for the first update of TABLE and print its contents.

Examples:
  observer get scores
  observer get inventory --scoped --observer-id 3 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, cmd, types.TableName(args[0]))
		},
	}

	cmd.Flags().BoolVar(&opts.Scoped, "scoped", false, "treat the table name as an observer-scoped base name")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the table")

	return cmd
}

func runGet(ctx context.Context, opts *GetOptions, cmd *cobra.Command, name types.TableName) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	obs, err := connect(ctx, opts.RootOptions, logger)
	if err != nil {
		return err
	}

	if opts.Scoped {
		name = obs.replicator.PlayerTable(name)
	}

	arrived := make(chan struct{})
	obs.replicator.OnFirstUpdate(name, func() {
		close(arrived)
		cancel()
	})

	if err := obs.run(ctx); err != nil {
		return err
	}

	select {
	case <-arrived:
	default:
		return fmt.Errorf("table %s not received within %s", name, opts.Timeout)
	}

	table, ok := obs.replicator.GetAllTableValues(name)
	return writeTable(cmd.OutOrStdout(), opts.Format, name, table, ok)
}
