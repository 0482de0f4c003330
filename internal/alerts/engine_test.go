package alerts

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"stocksentry/internal/eventbus"
	"stocksentry/internal/inventory"
	"stocksentry/internal/kvstore"
	"stocksentry/pkg/logx"
)

func row(id string, current, min int) inventory.StockSnapshot {
	return inventory.StockSnapshot{ProductID: id, Name: "product " + id, CurrentStock: current, MinStock: min}
}

func newTestEngine(t *testing.T, kv kvstore.Store, src inventory.Source) *Engine {
	t.Helper()
	return NewEngine(Config{NoveltyWindow: time.Minute}, src, kv, nil, logx.Nop())
}

func TestEngineCycleClassifiesAndBuckets(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(
		row("p-out", 0, 0),
		row("p-crit", 2, 0),
		row("p-low", 8, 0),
		row("p-min", 15, 20),
		row("p-ok", 50, 0),
	)
	e := newTestEngine(t, openTestStore(t), src)

	av, nv, err := e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if av.TotalCount != 4 {
		t.Fatalf("flagged %d, want 4", av.TotalCount)
	}
	if len(av.OutOfStock) != 1 || av.OutOfStock[0].ProductID != "p-out" {
		t.Fatalf("out-of-stock bucket: %+v", av.OutOfStock)
	}
	if len(av.CriticalStock) != 1 || av.CriticalStock[0].ProductID != "p-crit" {
		t.Fatalf("critical bucket: %+v", av.CriticalStock)
	}
	if len(av.LowStock) != 2 {
		t.Fatalf("low bucket: %+v", av.LowStock)
	}
	// low bucket sorted by stock ascending
	if av.LowStock[0].ProductID != "p-low" || av.LowStock[1].ProductID != "p-min" {
		t.Fatalf("low bucket order: %+v", av.LowStock)
	}

	if nv.UnreadCount != 4 {
		t.Fatalf("unread %d, want 4", nv.UnreadCount)
	}
	if nv.Items[0].ID != "p-out:out_of_stock" {
		t.Fatalf("first item id %q", nv.Items[0].ID)
	}
	if !nv.Novel {
		t.Fatal("first non-empty cycle should raise the novelty signal")
	}
	if av.Stale || nv.Stale {
		t.Fatal("fresh cycle marked stale")
	}
}

func TestEngineDismissalsPrunedOnRecovery(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 5, 0))
	e := newTestEngine(t, openTestStore(t), src)

	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := e.Dismiss(ctx, ChannelAlert, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	av, _ := e.Views()
	if av.TotalCount != 0 {
		t.Fatal("dismissed product still on the alert surface")
	}

	// recovery prunes the dismissal
	src.SetStock("p-1", 50)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// a later degradation re-surfaces the product
	src.SetStock("p-1", 5)
	av, _, err := e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if av.TotalCount != 1 {
		t.Fatal("re-degraded product stayed suppressed after recovery")
	}
}

func TestEngineChannelsDismissIndependently(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 5, 0))
	e := newTestEngine(t, openTestStore(t), src)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := e.Dismiss(ctx, ChannelAlert, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	av, nv := e.Views()
	if av.TotalCount != 0 {
		t.Fatal("alert dismissal ignored")
	}
	if len(nv.Items) != 1 {
		t.Fatal("alert dismissal leaked into the notification surface")
	}

	if err := e.Dismiss(ctx, ChannelNotification, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	_, nv = e.Views()
	if len(nv.Items) != 0 {
		t.Fatal("notification dismissal ignored")
	}

	if err := e.Dismiss(ctx, "popup", "p-1"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
}

func TestEngineReadMarksSurviveRecovery(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 5, 0))
	e := newTestEngine(t, openTestStore(t), src)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := e.MarkRead(ctx, "p-1:low_stock"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// recover, then hit the same tier again: the old mark still applies
	src.SetStock("p-1", 50)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	src.SetStock("p-1", 6)
	_, nv, err := e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if nv.UnreadCount != 0 || !nv.Items[0].IsRead {
		t.Fatalf("read mark lost across recovery: %+v", nv)
	}

	// a tier change is a new notification and arrives unread
	src.SetStock("p-1", 2)
	_, nv, err = e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if nv.UnreadCount != 1 || nv.Items[0].ID != "p-1:critical_stock" {
		t.Fatalf("tier change did not yield a new unread item: %+v", nv)
	}
}

func TestEngineMarkAllRead(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 5, 0), row("p-2", 0, 0), row("p-3", 2, 0))
	e := newTestEngine(t, openTestStore(t), src)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := e.MarkAllRead(ctx); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	_, nv := e.Views()
	if nv.UnreadCount != 0 {
		t.Fatalf("unread %d after mark-all", nv.UnreadCount)
	}
	for _, it := range nv.Items {
		if !it.IsRead {
			t.Fatalf("item %s still unread", it.ID)
		}
	}
}

func TestEngineFetchErrorRetainsStaleViews(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 5, 0))
	e := newTestEngine(t, openTestStore(t), src)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.Fail(errors.New("inventory service down"))
	av, nv, err := e.Refresh(ctx)
	var serr *SnapshotError
	if !errors.As(err, &serr) {
		t.Fatalf("want SnapshotError, got %v", err)
	}
	if av.TotalCount != 1 || len(nv.Items) != 1 {
		t.Fatal("last good views were dropped on fetch failure")
	}
	if !av.Stale || !nv.Stale {
		t.Fatal("retained views not marked stale")
	}

	// recovery clears the stale flag
	src.SetRows(row("p-1", 5, 0))
	av, _, err = e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if av.Stale {
		t.Fatal("stale flag survived a successful cycle")
	}
}

func TestEngineThresholdUpdateChangesClassification(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 30, 0))
	e := newTestEngine(t, openTestStore(t), src)

	av, _, err := e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if av.TotalCount != 0 {
		t.Fatal("healthy product flagged")
	}

	low := 40
	if _, err := e.UpdateThresholds(ctx, ThresholdPatch{LowStockLimit: &low}); err != nil {
		t.Fatalf("update thresholds: %v", err)
	}
	av, _, err = e.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if av.TotalCount != 1 || len(av.LowStock) != 1 {
		t.Fatalf("raised limit not applied: %+v", av)
	}
}

// gateSource blocks its first fetch until the context is cancelled, then
// serves rows normally. Lets a test hold a cycle open mid-fetch.
type gateSource struct {
	first atomic.Bool
	rows  []inventory.StockSnapshot
	held  chan struct{}
}

func (g *gateSource) Snapshots(ctx context.Context) ([]inventory.StockSnapshot, error) {
	if g.first.CompareAndSwap(false, true) {
		close(g.held)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := make([]inventory.StockSnapshot, len(g.rows))
	copy(out, g.rows)
	return out, nil
}

func TestEngineTriggerSupersedesInFlightFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &gateSource{rows: []inventory.StockSnapshot{row("p-1", 5, 0)}, held: make(chan struct{})}
	e := NewEngine(Config{
		Interval:      time.Hour,
		Floor:         10 * time.Millisecond,
		NoveltyWindow: time.Minute,
	}, src, openTestStore(t), nil, logx.Nop())

	e.Start(ctx)
	defer e.Stop(context.Background())

	// wait until the startup cycle is stuck in its fetch, then supersede it
	select {
	case <-src.held:
	case <-time.After(2 * time.Second):
		t.Fatal("startup cycle never reached the source")
	}
	e.Trigger("test")

	deadline := time.Now().Add(2 * time.Second)
	for {
		av, _ := e.Views()
		if av.TotalCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("superseding trigger never produced fresh views")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineCallerCancelKeepsViewsFresh(t *testing.T) {
	ctx := context.Background()
	src := inventory.NewStaticSource(row("p-1", 5, 0))
	e := newTestEngine(t, openTestStore(t), src)
	if _, _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// caller goes away mid-refresh (client disconnect)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	av, nv, err := e.Refresh(cctx)
	if err == nil {
		t.Fatal("want error from cancelled refresh")
	}
	var serr *SnapshotError
	if errors.As(err, &serr) {
		t.Fatalf("caller cancellation reported as a snapshot failure: %v", err)
	}
	if av.TotalCount != 1 || len(nv.Items) != 1 {
		t.Fatal("retained views dropped on caller cancellation")
	}
	if av.Stale || nv.Stale {
		t.Fatal("caller cancellation marked views stale")
	}
	av, nv = e.Views()
	if av.Stale || nv.Stale {
		t.Fatal("published views marked stale by caller cancellation")
	}
}

// openStoreAt opens a file-driver store on an explicit path so two stores
// can share one backing file like two separate processes would.
func openStoreAt(t *testing.T, path string) kvstore.Store {
	t.Helper()
	st, err := kvstore.Open(kvstore.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEngineObservesExternalLedgerWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "state")
	kv := openStoreAt(t, path)
	other := openStoreAt(t, path)

	src := inventory.NewStaticSource(row("p-1", 5, 0), row("p-2", 0, 0))
	bus := eventbus.New()
	e := NewEngine(Config{
		Interval:      time.Hour,
		Floor:         time.Millisecond,
		NoveltyWindow: time.Minute,
	}, src, kv, bus, logx.Nop())

	e.Start(ctx)
	defer e.Stop(context.Background())

	waitForTotal := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			av, _ := e.Views()
			if av.TotalCount == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("views never reached %d flagged, have %d", want, av.TotalCount)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	waitForTotal(2)

	// Another session dismisses p-1 on the alert channel through its own
	// store handle, then the watcher's advisory signal arrives on the bus.
	ledger := NewDismissalLedger(other, ChannelAlert, logx.Nop())
	if err := ledger.Dismiss(ctx, "p-1"); err != nil {
		t.Fatalf("external dismiss: %v", err)
	}
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeKeyChanged,
		Data: eventbus.KeyChange{Key: dismissalKey(ChannelAlert), At: time.Now()},
	})

	waitForTotal(1)
}

func TestEngineStateSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)
	src := inventory.NewStaticSource(row("p-1", 5, 0))

	e1 := newTestEngine(t, kv, src)
	if _, _, err := e1.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := e1.Dismiss(ctx, ChannelAlert, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := e1.MarkRead(ctx, "p-1:low_stock"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// a second engine over the same store sees the persisted state
	e2 := newTestEngine(t, kv, src)
	av, nv, err := e2.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if av.TotalCount != 0 {
		t.Fatal("dismissal not shared")
	}
	if nv.UnreadCount != 0 {
		t.Fatal("read mark not shared")
	}
}
