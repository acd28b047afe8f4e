package app

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"github.com/nuetzliches/beacon/internal/config"
	"github.com/nuetzliches/beacon/internal/sender"
)

func queueCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "queue: missing subcommand (inspect|flush|purge)")
		return 2
	}
	switch args[0] {
	case "inspect":
		return queueInspect(args[1:], stdout, stderr)
	case "flush":
		return queueFlush(args[1:], stdout, stderr)
	case "purge":
		return queuePurge(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "queue: unknown subcommand %q\n", args[0])
		return 2
	}
}

// openQueueHost loads the config and opens a host with a discarded logger;
// maintenance commands only report on stdout and stderr.
func openQueueHost(name string, args []string, stderr io.Writer, storeOnly bool, extra func(fs *pflag.FlagSet)) (*host, int) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "%s: unexpected positional arguments\n", name)
		return nil, 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return nil, 1
	}
	h, err := newHost(cfg, newDiscardLogger(), hostOptions{storeOnly: storeOnly})
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return nil, 1
	}
	return h, 0
}

func queueInspect(args []string, stdout, stderr io.Writer) int {
	var jsonOutput bool
	h, code := openQueueHost("queue inspect", args, stderr, true, func(fs *pflag.FlagSet) {
		fs.BoolVar(&jsonOutput, "json", false, "print JSON")
	})
	if h == nil {
		return code
	}
	defer func() { _ = h.close() }()

	ctx, cancel := context.WithTimeout(context.Background(), queueStatsTimeout)
	defer cancel()
	rep, err := h.collectQueueStats(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "queue inspect: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(stdout).Encode(rep); err != nil {
			fmt.Fprintf(stderr, "queue inspect: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "backend: %s\n", rep.Backend)
	for _, st := range rep.Tables {
		if !st.Exists {
			fmt.Fprintf(stdout, "%s: absent\n", st.Name)
			continue
		}
		fmt.Fprintf(stdout, "%s: %d rows (ids %d..%d)\n", st.Name, st.Rows, st.MinID, st.MaxID)
	}
	return 0
}

func queueFlush(args []string, stdout, stderr io.Writer) int {
	var table string
	var timeout time.Duration
	h, code := openQueueHost("queue flush", args, stderr, false, func(fs *pflag.FlagSet) {
		fs.StringVar(&table, "table", "", "flush only this table")
		fs.DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	})
	if h == nil {
		return code
	}
	defer func() { _ = h.close() }()

	if h.cfg.Endpoint == "" {
		fmt.Fprintln(stderr, "queue flush: no endpoint configured")
		return 1
	}
	if table != "" && !slices.Contains(h.tables(), table) {
		fmt.Fprintf(stderr, "queue flush: unknown table %q\n", table)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	code = 0
	for _, s := range h.senders() {
		if table != "" && s.Table() != table {
			continue
		}
		delivered := countDelivered(s)
		err := s.Flush(ctx)
		n := delivered()
		if err != nil {
			fmt.Fprintf(stderr, "queue flush: %s: %v (%d records delivered)\n", s.Table(), err, n)
			code = 1
			continue
		}
		fmt.Fprintf(stdout, "%s: %d records delivered\n", s.Table(), n)
	}
	return code
}

// countDelivered tallies records from successful uploads on s until the
// returned func is called.
func countDelivered(s *sender.Sender) func() int {
	ch := s.Notifications().AddListener()
	total := make(chan int, 1)
	go func() {
		n := 0
		for o := range ch {
			if o.Kind == sender.UploadSuccess {
				n += len(o.Records)
			}
		}
		total <- n
	}()
	return func() int {
		s.Notifications().RemoveListener(ch)
		return <-total
	}
}

func queuePurge(args []string, stdout, stderr io.Writer) int {
	var table string
	h, code := openQueueHost("queue purge", args, stderr, true, func(fs *pflag.FlagSet) {
		fs.StringVar(&table, "table", "", "table to empty (required)")
	})
	if h == nil {
		return code
	}
	defer func() { _ = h.close() }()

	if table == "" {
		fmt.Fprintln(stderr, "queue purge: --table is required")
		return 2
	}
	if !slices.Contains(h.tables(), table) {
		fmt.Fprintf(stderr, "queue purge: unknown table %q\n", table)
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), queueStatsTimeout)
	defer cancel()
	n, err := h.store.Purge(ctx, table)
	if err != nil {
		fmt.Fprintf(stderr, "queue purge: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s: %d rows removed\n", table, n)
	return 0
}
