// Package core wires the application together: config, logging, storage,
// the reconciliation engine, the outbound notifier and the HTTP API.
package core

import (
	"context"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"time"

	"stocksentry/internal/alerts"
	"stocksentry/internal/config"
	"stocksentry/internal/eventbus"
	"stocksentry/internal/httpapi"
	"stocksentry/internal/inventory"
	"stocksentry/internal/kvstore"
	"stocksentry/internal/notifier"
	"stocksentry/pkg/logx"
)

var (
	cycleCount  = expvar.NewInt("reconcile_cycles")
	staleCycles = expvar.NewInt("reconcile_stale_cycles")
	notifySent  = expvar.NewInt("notify_sent")
	notifyFail  = expvar.NewInt("notify_failed")
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   kvstore.Store
	watcher *kvstore.Watcher

	engine *alerts.Engine
	notif  *notifier.Service
	bridge *notifier.Bridge

	server *httpapi.Server

	runCancel context.CancelFunc
	wg        sync.WaitGroup
	cfgCh     chan *config.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := kvstore.Open(kvstore.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: mustDuration(cfg.Storage.BusyTimeout),
	}, log.With(logx.String("comp", "kvstore")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("storage.driver %q: alert state requires a store", cfg.Storage.Driver)
	}

	timeout, err := config.ParseDurationOrDefault("inventory.timeout", cfg.Inventory.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	source, err := inventory.NewHTTPSource(cfg.Inventory.URL, timeout, log.With(logx.String("comp", "inventory")))
	if err != nil {
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := alerts.NewEngine(engCfg, source, store, bus, log.With(logx.String("comp", "engine")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		watcher: kvstore.NewWatcher(store, bus, log.With(logx.String("comp", "kvwatch"))),
		engine:  engine,
	}

	// Outbound push is optional: it needs a token and a chat.
	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		adapter, err := notifier.NewTelegramAdapter(notifier.TelegramConfig{
			Token:  nc.Token,
			ChatID: nc.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		ncfg, err := mapNotifierConfig(nc)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(ncfg, adapter, log.With(logx.String("comp", "notifier")), bus)
		a.bridge = notifier.NewBridge(a.notif, engine, bus, log.With(logx.String("comp", "notifier")))
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.NewApp(engine, a.notif, log.With(logx.String("comp", "http")))
	a.server = httpapi.NewServer(srvCfg, httpapi.NewRouter(api), log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Config hot reload.
	a.cfgCh = a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	// Cross-process change notification on the kv store.
	if err := a.watcher.Prime(runCtx); err != nil {
		a.log.Warn("kv watcher prime failed", logx.Err(err))
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.watcher.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("kv watch stopped", logx.Err(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.eventLoop(runCtx)
	}()

	if a.notif != nil {
		a.notif.Start(runCtx)
		a.bridge.Start(runCtx)
	}
	a.engine.Start(runCtx)

	errCh, err := a.server.Start()
	if err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-runCtx.Done():
		case err, ok := <-errCh:
			if ok && err != nil {
				a.log.Error("http server failed", logx.Err(err))
				cancel()
			}
		}
	}()

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	a.engine.Stop(ctx)
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	a.wg.Wait()
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// reloadLoop applies validated config changes to the running services.
// Storage driver/path and the listener address need a restart; everything
// else applies live.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logs.Apply(mapLoggingConfig(cfg))
			if engCfg, err := mapEngineConfig(cfg); err == nil {
				a.engine.Apply(engCfg)
			}
			if a.notif != nil && cfg.Notifier != nil {
				if ncfg, err := mapNotifierConfig(cfg.Notifier); err == nil {
					a.notif.Apply(ncfg)
				}
			}
			a.log.Info("config reloaded")
			a.engine.Trigger("config")
		}
	}
}

// eventLoop keeps the expvar counters and a debug trail of bus activity.
func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeRefreshed:
				cycleCount.Add(1)
				if ri, ok := e.Data.(eventbus.RefreshInfo); ok && ri.Stale {
					staleCycles.Add(1)
				}
			case eventbus.TypeNotifySent:
				notifySent.Add(1)
			case eventbus.TypeNotifyFailed:
				notifyFail.Add(1)
			}
			a.log.Debug("event", logx.String("type", e.Type.String()), logx.Time("time", e.Time))
		}
	}
}

func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Inventory.URL) == "" {
		return fmt.Errorf("inventory.url is required")
	}
	if _, err := config.ParseDurationField("inventory.timeout", cfg.Inventory.Timeout); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if nc := cfg.Notifier; nc != nil {
		if _, err := mapNotifierConfig(nc); err != nil {
			return err
		}
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}
