package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recoll/internal/ir"
)

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	Database string
}

// UpdateResult reports an applied update.
type UpdateResult struct {
	Collection string `json:"collection"`
	Keys       int    `json:"keys"`
	Version    uint64 `json:"version"`
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <definition> <collection> <entries>",
		Short: "Apply entries to an input collection and journal the commit",
		Long: `Replay the journal, apply one update to an input collection and append
the resulting commit to the journal.

Entries are JSON in wire form: an array of [key, [values...]] pairs. A pair
with no values deletes its key.

Exit codes:
  0 - Update committed
  1 - Update rejected (unknown or derived collection, etc.)
  2 - Command error (definition or database not found, bad JSON)

Examples:
  recoll update ./shop.cue users '[[3, ["Carol"]]]' --db ./shop.db
  recoll update ./shop.cue users '[[1, []]]' --db ./shop.db`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runUpdate(opts *UpdateOptions, path, collection, rawEntries string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entries, err := ir.ImportEntries(ir.JSONCodec{}, []byte(rawEntries))
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid entries", err)
	}

	s, err := openSession(ctx, path, opts.Database, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
	if err != nil {
		return loadFailure(formatter, err)
	}
	defer func() { _ = s.Close(ctx) }()

	if err := s.svc.Update(ctx, collection, entries); err != nil {
		return formatter.Fail(ExitFailure, "update rejected", err)
	}

	result := UpdateResult{Collection: collection, Keys: len(entries), Version: s.svc.Version()}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s: %d key(s) written at version %d\n", collection, result.Keys, result.Version)
	return nil
}
