// Package app assembles a sync agent from a workspace configuration: queue
// persistence, remote store, connectivity monitoring, the engine and the
// mutation facade. The CLI and the daemon both start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kilupskalvis/nestsync/internal/config"
	"github.com/kilupskalvis/nestsync/internal/engine"
	"github.com/kilupskalvis/nestsync/internal/localstate"
	"github.com/kilupskalvis/nestsync/internal/metrics"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/mutation"
	"github.com/kilupskalvis/nestsync/internal/netstatus"
	"github.com/kilupskalvis/nestsync/internal/notify"
	"github.com/kilupskalvis/nestsync/internal/queue"
	"github.com/kilupskalvis/nestsync/internal/remote"
	"github.com/kilupskalvis/nestsync/internal/remote/postgres"
	"github.com/kilupskalvis/nestsync/internal/retry"
	"github.com/kilupskalvis/nestsync/internal/store"
	"github.com/kilupskalvis/nestsync/internal/weaviate"
)

// KeyLastDrain is the key under which the time of the last drain is kept.
const KeyLastDrain = "last_drain_at"

// KV is the small key/value side table some queue stores provide.
type KV interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

// Options tune Open. All fields are optional.
type Options struct {
	Logger *slog.Logger
	// Notifier receives notifications in addition to the log, the recorder
	// and any configured webhooks.
	Notifier notify.Notifier
	// Remote overrides the configured remote store.
	Remote remote.Store
	// QueueStore overrides the configured queue persistence.
	QueueStore queue.Store
}

// App holds the wired components of one agent.
type App struct {
	Config   *config.Config
	Queue    *queue.Queue
	Remote   remote.Store
	Network  *netstatus.Monitor
	Prober   *netstatus.Prober // nil when the remote cannot be probed
	Local    *localstate.State
	Engine   *engine.Engine
	Facade   *mutation.Facade
	Metrics  *metrics.Collector
	Notes    *notify.Recorder
	Webhooks *notify.WebhookNotifier
	KV       KV // nil for backends without a side table

	logger  *slog.Logger
	closers []func() error
}

// Open builds an App from cfg. The network starts offline when a prober is
// available and online otherwise; call Probe to learn the real state.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:  cfg,
		Metrics: metrics.New(),
		Notes:   notify.NewRecorder(100),
		logger:  logger,
	}

	qs := opts.QueueStore
	if qs == nil {
		var err error
		if qs, err = a.openQueueStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Remote = opts.Remote
	probeURL := cfg.Agent.ProbeURL
	var probeFunc func(context.Context) error
	if a.Remote == nil {
		var err error
		var url string
		if a.Remote, url, probeFunc, err = a.openRemote(); err != nil {
			a.Close()
			return nil, err
		}
		if probeURL == "" {
			probeURL = url
		}
	}

	a.Network = netstatus.NewMonitor(probeURL == "" && probeFunc == nil)
	switch {
	case probeURL != "":
		a.Prober = netstatus.NewProber(a.Network, probeURL, cfg.ProbeInterval(), logger)
	case probeFunc != nil:
		a.Prober = netstatus.NewFuncProber(a.Network, cfg.Remote.Kind, probeFunc, cfg.ProbeInterval(), logger)
	}
	a.Network.Subscribe(func(netstatus.Transition) {
		a.Metrics.SetOnline(a.Network.IsOnline())
	})
	a.Metrics.SetOnline(a.Network.IsOnline())

	a.Webhooks = notify.NewWebhookNotifier(&notify.WebhookConfig{URLs: cfg.Webhooks, Device: cfg.Device}, logger)
	notifiers := notify.Multi{notify.NewLogNotifier(logger), a.Notes}
	if a.Webhooks != nil {
		notifiers = append(notifiers, a.Webhooks)
	}
	if opts.Notifier != nil {
		notifiers = append(notifiers, opts.Notifier)
	}

	a.Queue = queue.New(qs, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		MaxSize:     cfg.Queue.MaxSize,
		Logger:      logger,
	})
	a.Metrics.SetQueueDepth(a.Queue.Size())

	sched := retry.New(cfg.SchedulerConfig(), logger)
	a.Local = localstate.New(nil, logger)

	a.Engine = engine.New(engine.Options{
		Queue:    a.Queue,
		Remote:   a.Remote,
		Network:  a.Network,
		Retry:    sched,
		Local:    a.Local,
		Notifier: notifiers,
		Metrics:  a.Metrics,
		Logger:   logger,
		OnDrain:  a.recordDrain,
	})
	a.Facade = mutation.New(mutation.Options{
		Queue:    a.Queue,
		Remote:   a.Remote,
		Network:  a.Network,
		Local:    a.Local,
		Retry:    sched,
		Notifier: notifiers,
		Metrics:  a.Metrics,
		Logger:   logger,
	})
	return a, nil
}

// openQueueStore opens the configured queue persistence.
func (a *App) openQueueStore(ctx context.Context) (queue.Store, error) {
	cfg := a.Config
	switch cfg.Queue.Backend {
	case config.QueueBolt, "":
		st, err := store.OpenBolt(cfg.BoltPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.KV = st
		return st, nil

	case config.QueueSQLite:
		st, err := store.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.KV = st
		return st, nil

	case config.QueueFile:
		backend, err := store.NewFileBackend(cfg.BackupsPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open queue directory: %w", err)
		}
		return store.NewBlobQueueStore(backend, blobKey(cfg)), nil

	case config.QueueS3:
		backend, err := store.NewS3Backend(ctx, store.S3Config{
			Region:    cfg.Queue.S3.Region,
			Bucket:    cfg.Queue.S3.Bucket,
			Prefix:    cfg.Queue.S3.Prefix,
			Endpoint:  cfg.Queue.S3.Endpoint,
			PathStyle: cfg.Queue.S3.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open s3 queue: %w", err)
		}
		return store.NewBlobQueueStore(backend, blobKey(cfg)), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// blobKey names the snapshot blob, one per device.
func blobKey(cfg *config.Config) string {
	if cfg.Device == "" {
		return "queue.snappy"
	}
	return cfg.Device + ".queue.snappy"
}

// openRemote opens the configured remote store and returns either a health
// URL or a health function for the prober.
func (a *App) openRemote() (remote.Store, string, func(context.Context) error, error) {
	cfg := a.Config.Remote
	switch cfg.Kind {
	case config.RemoteREST, "":
		st := remote.NewHTTPStore(cfg.URL, cfg.APIKey)
		return st, st.Health(), nil, nil

	case config.RemotePostgres:
		st, err := postgres.Connect(cfg.DSN)
		if err != nil {
			return nil, "", nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, "", st.Health, nil

	case config.RemoteWeaviate:
		client, err := weaviate.NewClient(cfg.URL, cfg.APIKey)
		if err != nil {
			return nil, "", nil, err
		}
		return weaviate.NewStore(client), "", client.Ping, nil
	}
	return nil, "", nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

// provisioner is implemented by remotes that need per-table setup.
type provisioner interface {
	EnsureTables(ctx context.Context, tables []string) error
}

// Provision prepares the configured tables on the remote when it needs it.
func (a *App) Provision(ctx context.Context) error {
	p, ok := a.Remote.(provisioner)
	if !ok || len(a.Config.Remote.Tables) == 0 {
		return nil
	}
	return p.EnsureTables(ctx, a.Config.Remote.Tables)
}

// Probe checks reachability once. Without a prober the network is assumed up.
func (a *App) Probe(ctx context.Context) bool {
	if a.Prober == nil {
		return a.Network.IsOnline()
	}
	return a.Prober.Probe(ctx)
}

// recordDrain remembers when the queue was last drained.
func (a *App) recordDrain(_ *models.DrainResult, at time.Time) {
	if a.KV == nil {
		return
	}
	if err := a.KV.SetValue(KeyLastDrain, at.UTC().Format(time.RFC3339)); err != nil {
		a.logger.Warn("failed to record drain time", "error", err)
	}
}

// LastDrain returns the time of the last drain, if known.
func (a *App) LastDrain() (time.Time, bool) {
	if a.KV == nil {
		return time.Time{}, false
	}
	v, err := a.KV.GetValue(KeyLastDrain)
	if err != nil || strings.TrimSpace(v) == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Close waits for pending webhook deliveries and releases stores.
func (a *App) Close() error {
	a.Webhooks.Wait()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
