package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nuetzliches/beacon/internal/config"
	"github.com/nuetzliches/beacon/internal/sender"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	configPath   string
	logLevel     string
	pidFile      string
	watch        bool
	debugListen  string
	keepRunning  bool
	drainTimeout time.Duration
}

func parseRunFlags(args []string, stderr io.Writer) (runOptions, error) {
	var o runOptions
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to config file (default: $BEACON_CONFIG or ./beacon.yaml)")
	fs.StringVar(&o.logLevel, "log-level", "", "override log.level (debug|info|warn|error)")
	fs.StringVar(&o.pidFile, "pid-file", "", "write process PID to file")
	fs.BoolVar(&o.watch, "watch", false, "reload disabled events and endpoint when the config file changes")
	fs.StringVar(&o.debugListen, "debug-listen", "", "override debug.listen (serves /metrics, /queue, /flush)")
	fs.BoolVar(&o.keepRunning, "keep-running", false, "keep uploading after stdin closes until a signal arrives")
	fs.DurationVar(&o.drainTimeout, "drain-timeout", 30*time.Second, "how long to flush queued events after stdin closes")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 0 {
		return o, fmt.Errorf("unexpected positional arguments: %s", strings.Join(fs.Args(), " "))
	}
	return o, nil
}

// runCmd reads JSON lines from stdin into the tracker and uploads them.
// When stdin ends the queue is flushed and the process exits, unless
// --keep-running is set.
func runCmd(args []string, stdin io.Reader, stderr io.Writer) int {
	opts, err := parseRunFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runWithContext(ctx, opts, stdin, stderr)
}

func runWithContext(parent context.Context, opts runOptions, stdin io.Reader, stderr io.Writer) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.debugListen != "" {
		cfg.Debug.Listen = opts.debugListen
	}

	logger, logCloser, err := newLoggerToSink(cfg.Log.Level, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	releasePIDFile, err := claimPIDFile(opts.pidFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := initTracing(ctx, cfg.Tracing, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			_ = shutdownTracing(sctx)
		}()
		logger.Info("tracing_enabled")
	}

	h, err := newHost(cfg, logger, hostOptions{tracing: cfg.Tracing.Enabled})
	if err != nil {
		logger.Error("host_start_failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := h.close(); err != nil {
			logger.Error("host_close_failed", slog.Any("err", err))
		}
	}()
	for _, s := range h.senders() {
		go logOutcomes(logger, s.Notifications().AddListener())
	}

	var debugSrv *http.Server
	if cfg.Debug.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Debug.Listen)
		if err != nil {
			logger.Error("debug_listen_failed", slog.Any("err", err))
			return 1
		}
		debugSrv = &http.Server{
			Handler:           h.debugRouter(logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		serveOnListener(logger, "debug", debugSrv, ln, cancel)
		logger.Info("debug_listening", slog.String("addr", ln.Addr().String()))
	}

	if opts.watch {
		path := opts.configPath
		if path == "" {
			path = config.FindFile()
		}
		if path == "" {
			logger.Warn("watch_skipped", slog.String("reason", "no config file"))
		} else {
			go func() {
				if err := config.Watch(ctx, path, logger, h.applyConfig); err != nil {
					logger.Error("watch_failed", slog.Any("err", err))
				}
			}()
		}
	}

	logger.Info("beacon_started",
		slog.String("version", version),
		slog.String("table", cfg.Database.Table),
		slog.Bool("endpoint_set", cfg.Endpoint != ""),
	)

	type ingestDone struct {
		stats ingestStats
		err   error
	}
	done := make(chan ingestDone, 1)
	go func() {
		st, err := ingest(ctx, stdin, h.manager, logger, h.metrics.EventProcessed)
		done <- ingestDone{stats: st, err: err}
	}()

	drain := false
	select {
	case <-ctx.Done():
	case d := <-done:
		if d.err != nil {
			logger.Error("input_read_failed", slog.Any("err", d.err))
		}
		logger.Info("input_closed",
			slog.Int("lines", d.stats.Lines),
			slog.Int("accepted", d.stats.Accepted),
			slog.Int("rejected", d.stats.Rejected),
			slog.Int("invalid", d.stats.Invalid),
		)
		if opts.keepRunning {
			<-ctx.Done()
		} else {
			drain = true
		}
	}

	code := 0
	if drain && cfg.Endpoint != "" {
		dctx, dcancel := context.WithTimeout(context.Background(), opts.drainTimeout)
		for _, s := range h.senders() {
			if err := s.Flush(dctx); err != nil {
				logger.Error("drain_failed", slog.String("table", s.Table()), slog.Any("err", err))
				code = 1
			}
		}
		dcancel()
	}

	h.manager.AppWillTerminate()
	if debugSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = debugSrv.Shutdown(sctx)
		scancel()
	}
	logger.Info("beacon_stopped")
	return code
}

func logOutcomes(logger *slog.Logger, ch <-chan sender.Outcome) {
	for o := range ch {
		if o.Kind == sender.UploadFailure {
			logger.Warn("upload_failed", slog.String("table", o.Table), slog.Int("records", len(o.Records)), slog.Any("err", o.Err))
			continue
		}
		logger.Debug("upload_succeeded", slog.String("table", o.Table), slog.Int("records", len(o.Records)))
	}
}
