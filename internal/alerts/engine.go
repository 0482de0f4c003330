package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"stocksentry/internal/eventbus"
	"stocksentry/internal/inventory"
	"stocksentry/internal/kvstore"
	"stocksentry/pkg/logx"
)

var ErrUnknownChannel = errors.New("unknown alert channel")

// Config controls the reconciliation engine.
//
// Defaults (when fields are zero):
//   - Interval:      120s periodic refresh
//   - Floor:         2s minimum spacing between cycles
//   - NoveltyWindow: 3s novelty auto-revert
type Config struct {
	Interval      time.Duration
	Floor         time.Duration
	NoveltyWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 120 * time.Second
	}
	if c.Floor <= 0 {
		c.Floor = 2 * time.Second
	}
	if c.NoveltyWindow <= 0 {
		c.NoveltyWindow = defaultNoveltyWindow
	}
	return c
}

// Engine runs reconciliation cycles: fetch snapshot, classify, prune
// ledgers whose condition resolved, derive the two channel views, and feed
// the novelty detector.
//
// Cycles are serialized through a single owner goroutine. Trigger requests
// arriving while a cycle is in flight coalesce into one follow-up run, and
// a newer trigger cancels the in-flight snapshot fetch so a superseded
// cycle discards its result instead of applying a stale view.
type Engine struct {
	log logx.Logger
	bus eventbus.Bus

	source     inventory.Source
	thresholds *ThresholdStore
	alertDism  *DismissalLedger
	notifDism  *DismissalLedger
	reads      *ReadLedger
	novelty    *NoveltyDetector

	cfgMu   sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	// viewMu guards the flagged cache and the published views.
	viewMu    sync.RWMutex
	flagged   []FlaggedProduct
	alertView AlertView
	notifView NotificationView

	// cycleMu serializes reconciliation cycles (timer, manual, sync).
	cycleMu sync.Mutex

	// fetchMu guards the cancel func of the in-flight snapshot fetch.
	fetchMu     sync.Mutex
	fetchCancel context.CancelFunc

	runMu     sync.Mutex
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	trigger   chan string
	cron      *cron.Cron
	unsub     func()
	wg        sync.WaitGroup
}

func NewEngine(cfg Config, source inventory.Source, kv kvstore.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		log:        log,
		bus:        bus,
		source:     source,
		thresholds: NewThresholdStore(kv, log.With(logx.String("comp", "thresholds"))),
		alertDism:  NewDismissalLedger(kv, ChannelAlert, log.With(logx.String("comp", "ledger"))),
		notifDism:  NewDismissalLedger(kv, ChannelNotification, log.With(logx.String("comp", "ledger"))),
		reads:      NewReadLedger(kv, log.With(logx.String("comp", "ledger"))),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Every(cfg.Floor), 1),
	}
	e.novelty = NewNoveltyDetector(cfg.NoveltyWindow, bus)
	e.alertView = AlertView{OutOfStock: []FlaggedProduct{}, CriticalStock: []FlaggedProduct{}, LowStock: []FlaggedProduct{}}
	e.notifView = NotificationView{Items: []NotificationItem{}}
	return e
}

// Apply updates the engine timing knobs at runtime.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	e.cfgMu.Lock()
	changed := cfg.Interval != e.cfg.Interval
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Every(cfg.Floor), 1)
	e.cfgMu.Unlock()

	if !changed {
		return
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cron != nil {
		<-e.cron.Stop().Done()
		e.cron = e.newCronLocked(cfg.Interval)
		e.cron.Start()
	}
}

func (e *Engine) newCronLocked(interval time.Duration) *cron.Cron {
	c := cron.New()
	// AddFunc cannot fail for an @every spec built from a positive duration.
	_, _ = c.AddFunc("@every "+interval.String(), func() { e.Trigger("interval") })
	return c
}

// Start launches the cycle owner goroutine, the periodic trigger, and the
// cross-session change listener, then schedules the initial cycle.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.trigger = make(chan string, 1)

	runCtx := e.runCtx
	trig := e.trigger

	var ch <-chan eventbus.Event
	if e.bus != nil {
		ch, e.unsub = e.bus.Subscribe(16)
	}

	e.cfgMu.Lock()
	interval := e.cfg.Interval
	e.cfgMu.Unlock()
	e.cron = e.newCronLocked(interval)
	e.cron.Start()
	e.runMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cycleOwner(runCtx, trig)
	}()

	if ch != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.changeListener(runCtx, ch)
		}()
	}

	e.log.Info("engine started", logx.Duration("interval", interval))
	e.Trigger("startup")
}

// Stop halts triggers and waits (best-effort until ctx deadline) for the
// in-flight cycle to finish.
func (e *Engine) Stop(ctx context.Context) {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	cancel := e.runCancel
	c := e.cron
	unsub := e.unsub
	e.cron = nil
	e.runCancel = nil
	e.runCtx = nil
	e.trigger = nil
	e.unsub = nil
	e.runMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped")
	case <-ctx.Done():
		// shutdown continues in background
	}
}

// Trigger requests a reconciliation cycle. Requests are coalesced: if an
// equivalent request is already queued the new one is dropped, and a cycle
// blocked on a snapshot fetch is superseded (its fetch cancelled) so the
// fresh request doesn't apply stale data.
func (e *Engine) Trigger(reason string) {
	e.runMu.Lock()
	trig := e.trigger
	e.runMu.Unlock()
	if trig == nil {
		return
	}

	e.cancelInFlightFetch()

	select {
	case trig <- reason:
	default:
		// an equivalent request is already queued
	}
}

func (e *Engine) cycleOwner(ctx context.Context, trig <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-trig:
			e.cfgMu.Lock()
			lim := e.limiter
			e.cfgMu.Unlock()
			// Floor between cycles: coalesced trigger storms (cross-session
			// signals, rapid user actions) cannot thrash the store.
			if err := lim.Wait(ctx); err != nil {
				return
			}
			if _, _, err := e.runCycle(ctx, reason); err != nil {
				e.log.Warn("reconcile cycle failed", logx.String("reason", reason), logx.Err(err))
			}
		}
	}
}

func (e *Engine) changeListener(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeKeyChanged {
				continue
			}
			kc, ok := ev.Data.(eventbus.KeyChange)
			if !ok {
				continue
			}
			e.handleKeyChange(kc.Key)
		}
	}
}

// handleKeyChange reacts to another process writing one of our persisted
// keys: drop the in-memory copy and schedule a re-read. The notification is
// advisory; nothing is mutated directly.
func (e *Engine) handleKeyChange(key string) {
	switch key {
	case thresholdsKey:
		e.thresholds.Invalidate()
	case dismissalKey(ChannelAlert):
		e.alertDism.Invalidate()
	case dismissalKey(ChannelNotification):
		e.notifDism.Invalidate()
	case readKey:
		e.reads.Invalidate()
	default:
		return
	}
	e.log.Debug("persisted state changed externally", logx.String("key", key))
	e.Trigger("sync")
}

func (e *Engine) setFetchCancel(cancel context.CancelFunc) {
	e.fetchMu.Lock()
	e.fetchCancel = cancel
	e.fetchMu.Unlock()
}

func (e *Engine) cancelInFlightFetch() {
	e.fetchMu.Lock()
	cancel := e.fetchCancel
	e.fetchMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Refresh runs one synchronous reconciliation cycle and returns the new
// views.
func (e *Engine) Refresh(ctx context.Context) (AlertView, NotificationView, error) {
	return e.runCycle(ctx, "manual")
}

// runCycle is the single reconciliation pass. It holds cycleMu for the
// whole pass so overlapping triggers can never interleave ledger writes.
func (e *Engine) runCycle(ctx context.Context, reason string) (AlertView, NotificationView, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()

	fctx, cancel := context.WithCancel(ctx)
	e.setFetchCancel(cancel)
	snaps, err := e.source.Snapshots(fctx)
	e.setFetchCancel(nil)
	superseded := fctx.Err() != nil && ctx.Err() == nil
	cancel()

	if err != nil {
		if superseded {
			// A newer trigger took over; discard and let it run.
			e.log.Debug("cycle superseded", logx.String("reason", reason))
			av, nv := e.Views()
			return av, nv, nil
		}
		if ctx.Err() != nil {
			// The caller went away mid-fetch. That says nothing about the
			// snapshot source, so the retained views are not stale.
			av, nv := e.Views()
			return av, nv, ctx.Err()
		}
		av, nv := e.markStale()
		e.publishRefreshed(reason, av, nv, 0, time.Since(start))
		return av, nv, &SnapshotError{Err: err}
	}

	cfg, err := e.thresholds.Load(ctx)
	if err != nil {
		av, nv := e.Views()
		return av, nv, err
	}

	flagged := make([]FlaggedProduct, 0, len(snaps))
	resolved := map[string]struct{}{}
	for _, row := range snaps {
		tier := Classify(row.CurrentStock, row.MinStock, cfg)
		if tier == TierInStock {
			resolved[row.ProductID] = struct{}{}
			continue
		}
		flagged = append(flagged, FlaggedProduct{StockSnapshot: row, Tier: tier})
	}
	sortFlagged(flagged)

	// Self-healing: a recovered product leaves BOTH dismissal ledgers, so a
	// later degradation re-surfaces it on every channel.
	if err := e.alertDism.Prune(ctx, resolved); err != nil {
		av, nv := e.Views()
		return av, nv, err
	}
	if err := e.notifDism.Prune(ctx, resolved); err != nil {
		av, nv := e.Views()
		return av, nv, err
	}

	av, nv, err := e.deriveViews(ctx, flagged, false)
	if err != nil {
		old, oldN := e.Views()
		return old, oldN, err
	}

	nv.Novel = e.novelty.Observe(nv.UnreadCount, len(flagged))

	e.viewMu.Lock()
	e.flagged = flagged
	e.alertView = av
	e.notifView = nv
	e.viewMu.Unlock()

	e.log.Debug("cycle complete",
		logx.String("reason", reason),
		logx.Int("flagged", len(flagged)),
		logx.Int("resolved", len(resolved)),
		logx.Int("unread", nv.UnreadCount),
		logx.Duration("took", time.Since(start)),
	)
	e.publishRefreshed(reason, av, nv, len(resolved), time.Since(start))
	return av, nv, nil
}

// deriveViews computes both channel views from a flagged set and the
// current ledger state. Views are always re-derived, never patched.
func (e *Engine) deriveViews(ctx context.Context, flagged []FlaggedProduct, stale bool) (AlertView, NotificationView, error) {
	alertIDs, err := e.alertDism.IDs(ctx)
	if err != nil {
		return AlertView{}, NotificationView{}, err
	}
	notifIDs, err := e.notifDism.IDs(ctx)
	if err != nil {
		return AlertView{}, NotificationView{}, err
	}
	readSet, err := e.reads.Snapshot(ctx)
	if err != nil {
		return AlertView{}, NotificationView{}, err
	}

	av := buildAlertView(flagged, alertIDs, stale)
	nv := buildNotificationView(flagged, notifIDs, func(id string) bool {
		_, ok := readSet[id]
		return ok
	}, stale)
	return av, nv, nil
}

// rederive rebuilds the views after a ledger mutation without refetching
// the snapshot. The novelty signal is carried over, not re-observed: user
// actions don't raise it.
func (e *Engine) rederive(ctx context.Context) error {
	e.viewMu.RLock()
	flagged := e.flagged
	stale := e.alertView.Stale
	e.viewMu.RUnlock()

	av, nv, err := e.deriveViews(ctx, flagged, stale)
	if err != nil {
		return err
	}
	nv.Novel = e.novelty.IsNovel()

	e.viewMu.Lock()
	e.alertView = av
	e.notifView = nv
	e.viewMu.Unlock()
	return nil
}

func (e *Engine) markStale() (AlertView, NotificationView) {
	e.viewMu.Lock()
	e.alertView.Stale = true
	e.notifView.Stale = true
	av, nv := e.alertView, e.notifView
	e.viewMu.Unlock()
	return av, nv
}

func (e *Engine) publishRefreshed(reason string, av AlertView, nv NotificationView, resolved int, took time.Duration) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRefreshed,
		Data: eventbus.RefreshInfo{
			Reason:      reason,
			Flagged:     av.TotalCount,
			Resolved:    resolved,
			UnreadCount: nv.UnreadCount,
			Stale:       av.Stale,
			Took:        took,
		},
	})
}

// Views returns the current channel views.
func (e *Engine) Views() (AlertView, NotificationView) {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	av := e.alertView
	nv := e.notifView
	nv.Novel = e.novelty.IsNovel()
	return av, nv
}

func (e *Engine) ledger(channel string) *DismissalLedger {
	switch channel {
	case ChannelAlert:
		return e.alertDism
	case ChannelNotification:
		return e.notifDism
	default:
		return nil
	}
}

// Dismiss suppresses a product on one channel only.
func (e *Engine) Dismiss(ctx context.Context, channel, productID string) error {
	l := e.ledger(channel)
	if l == nil {
		return ErrUnknownChannel
	}
	if err := l.Dismiss(ctx, productID); err != nil {
		return err
	}
	return e.rederive(ctx)
}

// ClearDismissed empties one channel's dismissal ledger.
func (e *Engine) ClearDismissed(ctx context.Context, channel string) error {
	l := e.ledger(channel)
	if l == nil {
		return ErrUnknownChannel
	}
	if err := l.Clear(ctx); err != nil {
		return err
	}
	return e.rederive(ctx)
}

// MarkRead marks one tier-qualified notification as seen. The item stays in
// the view; only its read flag and the unread count change.
func (e *Engine) MarkRead(ctx context.Context, notificationID string) error {
	if err := e.reads.MarkRead(ctx, notificationID); err != nil {
		return err
	}
	return e.rederive(ctx)
}

// MarkAllRead marks every currently visible notification as seen.
func (e *Engine) MarkAllRead(ctx context.Context) error {
	e.viewMu.RLock()
	ids := make([]string, 0, len(e.notifView.Items))
	for _, it := range e.notifView.Items {
		ids = append(ids, it.ID)
	}
	e.viewMu.RUnlock()

	if err := e.reads.MarkAllRead(ctx, ids); err != nil {
		return err
	}
	return e.rederive(ctx)
}

// Thresholds returns the current threshold configuration.
func (e *Engine) Thresholds(ctx context.Context) (ThresholdConfig, error) {
	return e.thresholds.Load(ctx)
}

// UpdateThresholds applies a partial threshold update and schedules a cycle
// so the new limits take effect immediately.
func (e *Engine) UpdateThresholds(ctx context.Context, patch ThresholdPatch) (ThresholdConfig, error) {
	cfg, err := e.thresholds.Update(ctx, patch)
	if err != nil {
		return cfg, err
	}
	e.Trigger("thresholds")
	return cfg, nil
}

// ResetThresholds restores the default thresholds and schedules a cycle.
func (e *Engine) ResetThresholds(ctx context.Context) (ThresholdConfig, error) {
	cfg, err := e.thresholds.Reset(ctx)
	if err != nil {
		return cfg, err
	}
	e.Trigger("thresholds")
	return cfg, nil
}
