package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database   string
	After      uint64
	Collection string
}

// JournalCommit is the printed form of one journaled commit.
type JournalCommit struct {
	Version uint64         `json:"version"`
	ID      string         `json:"id"`
	Fork    string         `json:"fork"`
	Writes  []JournalWrite `json:"writes"`
}

// JournalWrite is the printed form of one key replacement.
type JournalWrite struct {
	Collection string   `json:"collection"`
	Key        ir.Value `json:"key"`
	Values     ir.Array `json:"values"`
}

// JournalResult holds the listed commits.
type JournalResult struct {
	Commits     []JournalCommit `json:"commits"`
	LastVersion uint64          `json:"last_version"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print journaled commits",
		Long: `Print the commits recorded in a journal, oldest first.

With --collection the journal of that input collection is folded into its
current contents instead.

Examples:
  recoll journal --db ./shop.db
  recoll journal --db ./shop.db --after 10 --format json
  recoll journal --db ./shop.db --collection users`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Uint64Var(&opts.After, "after", 0, "only commits after this version")
	cmd.Flags().StringVar(&opts.Collection, "collection", "", "fold one collection into its current contents")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Opening would create a missing database; a typo should not.
	if _, err := os.Stat(opts.Database); os.IsNotExist(err) {
		_ = formatter.Report(ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.Database))
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database))
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Collection != "" {
		entries, err := st.Latest(ctx, opts.Collection)
		if err != nil {
			return formatter.Fail(ExitCommandError, "failed to read journal", err)
		}
		if formatter.Format == "json" {
			return formatter.Success(ir.EntriesToValue(entries))
		}
		printEntries(formatter, entries)
		return nil
	}

	commits, err := st.ReadCommits(ctx, opts.After)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read journal", err)
	}
	last, err := st.LastVersion(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read journal", err)
	}

	result := JournalResult{Commits: make([]JournalCommit, len(commits)), LastVersion: last}
	for i, c := range commits {
		result.Commits[i] = toJournalCommit(c)
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if len(commits) == 0 {
		fmt.Fprintln(w, "No commits.")
		return nil
	}
	for _, c := range result.Commits {
		fmt.Fprintf(w, "v%d %s (%s)\n", c.Version, c.ID, c.Fork)
		for _, wr := range c.Writes {
			fmt.Fprintf(w, "  %s %s = %s\n", wr.Collection, ir.Format(wr.Key), ir.Format(wr.Values))
		}
	}
	return nil
}

func toJournalCommit(c store.Commit) JournalCommit {
	jc := JournalCommit{Version: c.Version, ID: c.ID, Fork: c.Fork, Writes: make([]JournalWrite, len(c.Writes))}
	for i, w := range c.Writes {
		values := ir.Array(w.Values)
		if values == nil {
			values = ir.Array{}
		}
		jc.Writes[i] = JournalWrite{Collection: w.Collection, Key: w.Key, Values: values}
	}
	return jc
}
