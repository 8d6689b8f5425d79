package app

import (
	"context"
	"fmt"

	"github.com/Velora-App/ota_layer/internal/app/loader"
	"github.com/Velora-App/ota_layer/internal/app/metrics"
	"github.com/Velora-App/ota_layer/internal/app/registry"
	"github.com/Velora-App/ota_layer/internal/app/storage"
	"github.com/Velora-App/ota_layer/internal/app/system"
	"github.com/Velora-App/ota_layer/internal/config"
	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/internal/httputil"
	"github.com/Velora-App/ota_layer/internal/plugin"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil store defaults to the
// in-memory implementation.
type Stores struct {
	KV storage.KV
}

// Application ties the registry and loader together and manages the
// lifecycle of every optional runner around them.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry *registry.Registry
	Loader   *loader.Loader
	Events   *events.RingBuffer

	unobserve func()
}

// New builds a fully initialised application from config and stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.KV == nil {
		stores.KV = storage.NewMemory()
	}

	manager := system.NewManager()
	stream := events.NewRingBuffer(1000)

	reg := registry.New(stream, log.Named("registry"))
	if err := plugin.Install(reg); err != nil {
		return nil, fmt.Errorf("install default components: %w", err)
	}

	client := httputil.NewClient(httputil.ClientConfig{
		Timeout:   cfg.Loader.FetchTimeout.Std(),
		AuthToken: cfg.Loader.AuthToken,
	})

	ld := loader.New(client, reg, stores.KV, stream, log.Named("session-loader"))
	if cfg.Loader.PollInterval.Std() > 0 {
		ld.SetPollInterval(cfg.Loader.PollInterval.Std())
	}
	if cfg.Loader.HistoryLimit > 0 {
		ld.SetHistoryLimit(cfg.Loader.HistoryLimit)
	}
	if cfg.Loader.Platform != "" {
		ld.SetPlatform(cfg.Loader.Platform)
	}
	if err := manager.Register(ld); err != nil {
		return nil, fmt.Errorf("register session loader: %w", err)
	}

	if cfg.Push.Enabled {
		push := loader.NewPushListener(ld, log.Named("push-listener"))
		if err := manager.Register(push); err != nil {
			return nil, fmt.Errorf("register push listener: %w", err)
		}
	}

	if cfg.Watcher.Path != "" {
		watcher, err := loader.NewWatcher(cfg.Watcher.Path, reg, stream, log.Named("bundle-watcher"))
		if err != nil {
			return nil, fmt.Errorf("configure bundle watcher: %w", err)
		}
		if err := manager.Register(watcher); err != nil {
			return nil, fmt.Errorf("register bundle watcher: %w", err)
		}
	}

	if len(cfg.Refresh.Schedules) > 0 {
		scheduler := loader.NewRefreshScheduler(ld, cfg.Refresh.Schedules, log.Named("refresh-scheduler"))
		if err := manager.Register(scheduler); err != nil {
			return nil, fmt.Errorf("register refresh scheduler: %w", err)
		}
	}

	unobserve := metrics.Observe(stream, func() (int, int) {
		s := reg.Stats()
		return s.SessionComponents, s.SessionServices
	})

	return &Application{
		manager:   manager,
		log:       log,
		Registry:  reg,
		Loader:    ld,
		Events:    stream,
		unobserve: unobserve,
	}, nil
}

// Seed applies config-provided loader settings. Call after Start so
// persisted state from an earlier run has been restored first: server URL
// and session id only fill in when nothing was restored, while explicitly
// configured toggles always win.
func (a *Application) Seed(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Loader.ServerURL != "" && a.Loader.Settings().ServerURL == "" {
		a.Loader.SetServerURL(ctx, cfg.Loader.ServerURL)
	}
	if cfg.Loader.Enabled != nil {
		a.Loader.SetEnabled(ctx, *cfg.Loader.Enabled)
	}
	if cfg.Loader.AutoReload != nil {
		a.Loader.SetAutoReload(ctx, *cfg.Loader.AutoReload)
	}
	if cfg.Loader.ExecuteBundle != nil {
		a.Loader.SetExecuteBundle(ctx, *cfg.Loader.ExecuteBundle)
	}
	if cfg.Loader.SessionID != "" && a.Loader.Settings().SessionID == "" {
		a.Loader.SetSessionID(ctx, cfg.Loader.SessionID)
	}
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and detaches the metrics observer.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.unobserve != nil {
		a.unobserve()
		a.unobserve = nil
	}
	return err
}
