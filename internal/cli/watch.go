package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/service"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Database string
	Params   string
	Since    string
	Metrics  bool
}

// watchLine is one update printed by watch.
type watchLine struct {
	Watermark ir.Watermark `json:"watermark"`
	Initial   bool         `json:"initial"`
	Values    ir.Array     `json:"values"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <definition> <resource>",
		Short: "Subscribe to a resource and stream its updates",
		Long: `Instantiate a resource, subscribe to it and print every update as one
JSON line on stdout.

Updates to input collections are read from stdin, one JSON object per line:

  {"collection": "users", "entries": [[3, ["Carol"]]]}

The command stops at end of input or on SIGINT/SIGTERM. With --db the
journal is replayed first and every applied update is journaled. With
--since the subscription resumes after that watermark.

Example:
  echo '{"collection":"users","entries":[[3,["Carol"]]]}' | recoll watch ./shop.cue shout`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (optional)")
	cmd.Flags().StringVar(&opts.Params, "params", "", "resource params as a JSON object")
	cmd.Flags().StringVar(&opts.Since, "since", "", "resume after this watermark")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print service metrics to stderr on exit")

	return cmd
}

// lineNotifier prints every update as a JSON line. Calls arrive while the
// writer slot is held, so it only writes.
type lineNotifier struct {
	mu  sync.Mutex
	enc *json.Encoder
	log *slog.Logger
}

func (n *lineNotifier) Subscribed() {}

func (n *lineNotifier) Notify(u ir.CollectionUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	line := watchLine{Watermark: u.Watermark, Initial: u.IsInitial, Values: ir.EntriesToValue(u.Values)}
	if err := n.enc.Encode(line); err != nil {
		n.log.Warn("write update", "watermark", u.Watermark, "error", err)
	}
}

func (n *lineNotifier) Close() {}

func runWatch(opts *WatchOptions, path, resourceName string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	log := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	params, err := parseJSONFlag("params", opts.Params)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid --params", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		reg   *prometheus.Registry
		extra []service.Option
	)
	if opts.Metrics {
		reg = prometheus.NewRegistry()
		extra = append(extra, service.WithMetrics(reg))
	}
	s, err := openSession(ctx, path, opts.Database, log, extra...)
	if err != nil {
		return loadFailure(formatter, err)
	}
	defer func() {
		if closeErr := s.Close(context.Background()); closeErr != nil {
			log.Error("error closing service", "error", closeErr)
		}
		if reg != nil {
			if err := writeMetrics(cmd.ErrOrStderr(), reg); err != nil {
				log.Warn("write metrics", "error", err)
			}
		}
	}()

	const instanceID = "watch"
	if err := s.svc.InstantiateResource(ctx, instanceID, resourceName, params); err != nil {
		return formatter.Fail(ExitFailure, "instantiate failed", err)
	}
	notifier := &lineNotifier{enc: json.NewEncoder(cmd.OutOrStdout()), log: log}
	subID, err := s.svc.Subscribe(ctx, instanceID, notifier, ir.Watermark(opts.Since))
	if err != nil {
		return formatter.Fail(ExitFailure, "subscribe failed", err)
	}
	defer s.svc.Unsubscribe(subID)
	log.Info("watching", "resource", resourceName, "version", s.svc.Version())

	return applyLines(ctx, s, cmd.InOrStdin(), log)
}

// applyLines applies one update per input line until end of input or
// cancellation. Rejected updates are logged and skipped.
//
// On cancellation an input that is an io.Closer is closed to release the
// scanner goroutine. Other readers, and a terminal stdin whose Read does not
// return on Close, leave that goroutine blocked until the next line or exit.
func applyLines(ctx context.Context, s *session, in io.Reader, log *slog.Logger) error {
	if c, ok := in.(io.Closer); ok {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = c.Close()
			case <-done:
			}
		}()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				select {
				case err := <-scanErr:
					if err != nil {
						return WrapExitError(ExitCommandError, "read input", err)
					}
				default:
				}
				return nil
			}
			if line == "" {
				continue
			}
			collection, entries, err := parseUpdateLine(line)
			if err != nil {
				log.Warn("skip malformed line", "line", n, "error", err)
				continue
			}
			if err := s.svc.Update(ctx, collection, entries); err != nil {
				log.Warn("update rejected", "line", n, "collection", collection, "error", err)
			}
		}
	}
}

// parseUpdateLine decodes {"collection": name, "entries": [[key, [values...]]]}.
func parseUpdateLine(line string) (string, []ir.Entry, error) {
	v, err := ir.Unmarshal([]byte(line))
	if err != nil {
		return "", nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return "", nil, fmt.Errorf("expected an object, got %s", v.Kind())
	}
	name, ok := obj["collection"].(ir.String)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("collection must be a non-empty string")
	}
	raw, ok := obj["entries"]
	if !ok {
		return "", nil, fmt.Errorf("entries are required")
	}
	entries, err := ir.EntriesFromValue(raw)
	if err != nil {
		return "", nil, err
	}
	return string(name), entries, nil
}

// writeMetrics prints the gathered metrics in the Prometheus text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
