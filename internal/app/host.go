package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nuetzliches/beacon/internal/config"
	"github.com/nuetzliches/beacon/internal/credentials"
	"github.com/nuetzliches/beacon/internal/eventstore"
	"github.com/nuetzliches/beacon/internal/metrics"
	"github.com/nuetzliches/beacon/internal/secrets"
	"github.com/nuetzliches/beacon/internal/sender"
	"github.com/nuetzliches/beacon/internal/settings"
	"github.com/nuetzliches/beacon/internal/tracker"
)

func sdkVersion() string { return tracker.SDKVersion }

type storeHandle interface {
	eventstore.Store
	eventstore.Inspector
}

// host owns everything one beacon process needs: the event database, the
// settings store, a sender per table and the tracker wired on top.
type host struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  string
	endpoint string
	store    storeHandle
	settings *settings.BadgerStore
	registry *prometheus.Registry
	metrics  *metrics.Pipeline

	ratSender *sender.Sender
	sdkSender *sender.Sender
	rat       *tracker.RATDispatcher
	sdk       *tracker.SDKDispatcher
	manager   *tracker.Manager
}

type hostOptions struct {
	// tracing wraps upload transports with otelhttp.
	tracing bool
	// storeOnly skips senders and tracker, for queue maintenance commands.
	storeOnly bool
}

func openStore(cfg *config.Config, logger *slog.Logger) (storeHandle, string, error) {
	if dsn := strings.TrimSpace(cfg.Database.PostgresDSN); dsn != "" {
		dsn, err := secrets.Resolve(dsn)
		if err != nil {
			return nil, "postgres", fmt.Errorf("database.postgres_dsn: %w", err)
		}
		s, err := eventstore.OpenPostgres(dsn, eventstore.WithPostgresLogger(logger))
		if err != nil {
			return nil, "postgres", err
		}
		return s, "postgres", nil
	}
	s, err := eventstore.OpenSQLite(cfg.Database.Path, eventstore.WithSQLiteLogger(logger))
	if err != nil {
		return nil, "sqlite", err
	}
	return s, "sqlite", nil
}

func newHost(cfg *config.Config, logger *slog.Logger, opts hostOptions) (_ *host, err error) {
	h := &host{cfg: cfg, logger: logger, endpoint: cfg.Endpoint}
	defer func() {
		if err != nil {
			_ = h.close()
		}
	}()

	h.store, h.backend, err = openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	logger.Info("event_store_opened", slog.String("backend", h.backend))

	h.registry = prometheus.NewRegistry()
	h.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	h.metrics = metrics.New(h.registry)
	if opts.storeOnly {
		return h, nil
	}

	h.settings, err = settings.OpenBadger(cfg.Settings.Path, logger)
	if err != nil {
		return nil, err
	}

	senderOpts := []sender.Option{
		sender.WithLogger(logger),
		sender.WithHTTPClient(uploadHTTPClient(opts.tracing)),
		sender.WithMaxRows(cfg.Sender.MaxRows),
		sender.WithBatchSize(cfg.Sender.BatchSize),
		sender.WithRequestTimeout(cfg.Sender.RequestTimeout),
		sender.WithCookies(cfg.Sender.UseCookies),
		sender.WithSettings(h.settings),
		sender.WithObserver(h.metrics),
		sender.WithBreaker(sender.BreakerSettings{
			ConsecutiveFailures: cfg.Sender.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Sender.Breaker.OpenTimeout,
		}),
		sender.WithBatchingPolicy(batchingPolicy(cfg, cfg.Sender.BackgroundTimer.StartTimeKey)),
	}
	if cfg.Sender.InternalSerialization {
		senderOpts = append(senderOpts, sender.WithSerialization(sender.SerializationInternal))
	}

	h.ratSender, err = sender.New(h.store, cfg.Database.Table, cfg.Endpoint, senderOpts...)
	if err != nil {
		return nil, fmt.Errorf("rat sender: %w", err)
	}
	h.rat, err = tracker.NewRATDispatcher(h.ratSender, tracker.RATConfig{
		AccountID:         cfg.AccountID,
		ApplicationID:     cfg.ApplicationID,
		DuplicateAccounts: duplicateAccounts(cfg.DuplicateAccounts),
		Device:            hostDevice{},
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	h.rat.SetBatchingDelay(cfg.Sender.BatchingDelay)

	managerOpts := []tracker.ManagerOption{
		tracker.WithManagerLogger(logger),
		tracker.WithDisabledEvents(cfg.Events.Disabled),
		tracker.WithDefaultEndpoint(cfg.Endpoint),
		tracker.WithAppInfo(cfg.AppName, cfg.AppVersion, runtime.GOOS),
		tracker.WithTerminators(h.store),
		tracker.WithErrorHandler(func(err error) {
			logger.Debug("tracker_error_reported", slog.Any("err", err))
		}),
	}
	if cfg.AppIdentity != "" {
		identity, err := secrets.Resolve(cfg.AppIdentity)
		if err != nil {
			return nil, fmt.Errorf("app_identity: %w", err)
		}
		creds, err := credentials.OpenAgeStore(h.settings, identity)
		if err != nil {
			return nil, fmt.Errorf("open credentials: %w", err)
		}
		managerOpts = append(managerOpts, tracker.WithCredentials(creds))
	}
	h.manager = tracker.NewManager(managerOpts...)
	h.manager.Add(h.rat)

	if cfg.Database.SDKTable != "" {
		sdkKey := sdkStartTimeKey(cfg.Sender.BackgroundTimer.StartTimeKey, cfg.Database.SDKTable)
		sdkOpts := append(slices.Clone(senderOpts), sender.WithBatchingPolicy(batchingPolicy(cfg, sdkKey)))
		h.sdkSender, err = sender.New(h.store, cfg.Database.SDKTable, cfg.Endpoint, sdkOpts...)
		if err != nil {
			return nil, fmt.Errorf("sdk sender: %w", err)
		}
		h.sdk, err = tracker.NewSDKDispatcher(h.sdkSender)
		if err != nil {
			return nil, err
		}
		h.manager.Add(h.sdk)
	}
	return h, nil
}

func batchingPolicy(cfg *config.Config, startTimeKey string) sender.BatchingPolicy {
	return sender.BatchingPolicy{
		Delay:             cfg.Sender.BatchingDelay,
		MaxUploadInterval: cfg.Sender.MaxUploadInterval,
		BackgroundTimer: sender.BackgroundTimer{
			Enabled:      cfg.Sender.BackgroundTimer.Enabled,
			StartTimeKey: startTimeKey,
		},
	}
}

// sdkStartTimeKey keeps the SDK sender's window start apart from the RAT
// sender's in the shared settings store.
func sdkStartTimeKey(base, table string) string {
	if base == "" {
		base = sender.DefaultStartTimeKey
	}
	return base + "_" + table
}

func duplicateAccounts(in []config.AccountConfig) []tracker.Account {
	out := make([]tracker.Account, 0, len(in))
	for _, a := range in {
		out = append(out, tracker.Account{
			AccountID:      a.AccountID,
			ApplicationID:  a.ApplicationID,
			DisabledEvents: a.DisabledEvents,
		})
	}
	return out
}

func (h *host) senders() []*sender.Sender {
	var out []*sender.Sender
	for _, s := range []*sender.Sender{h.ratSender, h.sdkSender} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (h *host) tables() []string {
	out := []string{h.cfg.Database.Table}
	if h.cfg.Database.SDKTable != "" {
		out = append(out, h.cfg.Database.SDKTable)
	}
	return out
}

// applyConfig carries the reloadable parts of a new configuration over to
// the running tracker: the disabled events, the endpoint, added duplicate
// accounts and the RAT batching delay. Storage settings need a restart.
// Only the config watcher calls it.
func (h *host) applyConfig(cfg *config.Config) {
	if h.manager == nil {
		return
	}
	h.manager.SetDisabledEvents(cfg.Events.Disabled)
	if cfg.Endpoint != h.endpoint {
		if err := h.manager.SetEndpoint(cfg.Endpoint); err != nil {
			h.logger.Error("endpoint_reload_failed", slog.Any("err", err))
		} else {
			h.endpoint = cfg.Endpoint
		}
	}
	for _, a := range cfg.DuplicateAccounts {
		h.rat.AddDuplicateAccount(a.AccountID, a.ApplicationID)
	}
	h.rat.SetBatchingDelay(cfg.Sender.BatchingDelay)
}

func (h *host) close() error {
	var errs []error
	for _, s := range h.senders() {
		errs = append(errs, s.Close())
	}
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	if h.settings != nil {
		errs = append(errs, h.settings.Close())
	}
	return errors.Join(errs...)
}

// hostDevice describes the machine beacon runs on in place of a handset.
type hostDevice struct{}

func (hostDevice) Model() string            { return runtime.GOOS + "/" + runtime.GOARCH }
func (hostDevice) OSVersion() string        { return runtime.GOOS }
func (hostDevice) Carrier() string          { return "" }
func (hostDevice) ScreenResolution() string { return "" }
func (hostDevice) UserAgent() string        { return "beacon/" + strings.TrimSpace(version) }

func (hostDevice) LanguageCode() string {
	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, "_.@"); i > 0 {
		lang = lang[:i]
	}
	if lang == "C" || lang == "POSIX" {
		return ""
	}
	return lang
}
