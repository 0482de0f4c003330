package alerts

import (
	"context"
	"errors"
	"testing"

	"stocksentry/internal/kvstore"
	"stocksentry/pkg/logx"
)

// flakyStore wraps a real Store and fails writes on demand. It also counts
// writes so tests can assert no-op mutations skip persistence.
type flakyStore struct {
	kvstore.Store
	failSet bool
	sets    int
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("disk full")
	}
	f.sets++
	return f.Store.Set(ctx, key, value)
}

func TestDismissalLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)
	l := NewDismissalLedger(kv, ChannelAlert, logx.Nop())

	if err := l.Dismiss(ctx, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := l.Dismiss(ctx, "p-2"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	ids, err := l.IDs(ctx)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	// fresh ledger on the same store reads the persisted set
	l2 := NewDismissalLedger(kv, ChannelAlert, logx.Nop())
	ids2, err := l2.IDs(ctx)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if _, ok := ids2["p-1"]; !ok {
		t.Fatal("p-1 missing after reload")
	}
}

func TestDismissalLedgerChannelsAreIndependent(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)
	alertLedger := NewDismissalLedger(kv, ChannelAlert, logx.Nop())
	notifLedger := NewDismissalLedger(kv, ChannelNotification, logx.Nop())

	if err := alertLedger.Dismiss(ctx, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	ids, err := notifLedger.IDs(ctx)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("notification channel picked up an alert dismissal: %v", ids)
	}
}

func TestDismissalLedgerDismissIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: openTestStore(t)}
	l := NewDismissalLedger(fs, ChannelAlert, logx.Nop())

	if err := l.Dismiss(ctx, "p-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	before := fs.sets
	if err := l.Dismiss(ctx, "p-1"); err != nil {
		t.Fatalf("repeat dismiss: %v", err)
	}
	if fs.sets != before {
		t.Fatal("repeat dismiss should not persist")
	}
}

func TestDismissalLedgerPrune(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: openTestStore(t)}
	l := NewDismissalLedger(fs, ChannelAlert, logx.Nop())

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		if err := l.Dismiss(ctx, id); err != nil {
			t.Fatalf("dismiss: %v", err)
		}
	}

	if err := l.Prune(ctx, map[string]struct{}{"p-2": {}, "p-9": {}}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	ids, _ := l.IDs(ctx)
	if _, ok := ids["p-2"]; ok {
		t.Fatal("recovered product still dismissed")
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	// pruning ids not in the set must not touch the store
	before := fs.sets
	if err := l.Prune(ctx, map[string]struct{}{"p-9": {}}); err != nil {
		t.Fatalf("no-op prune: %v", err)
	}
	if fs.sets != before {
		t.Fatal("no-op prune wrote to the store")
	}
}

func TestDismissalLedgerWriteFailureLeavesSetUnchanged(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: openTestStore(t)}
	l := NewDismissalLedger(fs, ChannelAlert, logx.Nop())
	if err := l.Dismiss(ctx, "p-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fs.failSet = true
	err := l.Dismiss(ctx, "p-2")
	var perr *PersistError
	if !errors.As(err, &perr) {
		t.Fatalf("want PersistError, got %v", err)
	}

	fs.failSet = false
	ids, _ := l.IDs(ctx)
	if _, ok := ids["p-2"]; ok {
		t.Fatal("failed dismissal is visible in memory")
	}
}

func TestReadLedgerMarkAndSurvival(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)
	l := NewReadLedger(kv, logx.Nop())

	if err := l.MarkRead(ctx, "p-1:low_stock"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	ok, err := l.IsRead(ctx, "p-1:low_stock")
	if err != nil || !ok {
		t.Fatalf("IsRead = %v, %v", ok, err)
	}
	// the same product at another tier is a distinct, unseen id
	if ok, _ := l.IsRead(ctx, "p-1:critical_stock"); ok {
		t.Fatal("tier-qualified id leaked across tiers")
	}

	// marks survive a reload; the ledger is never pruned
	l2 := NewReadLedger(kv, logx.Nop())
	if ok, _ := l2.IsRead(ctx, "p-1:low_stock"); !ok {
		t.Fatal("mark lost after reload")
	}
}

func TestReadLedgerMarkAllReadSingleWrite(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: openTestStore(t)}
	l := NewReadLedger(fs, logx.Nop())

	ids := []string{"p-1:low_stock", "p-2:out_of_stock", "p-3:critical_stock"}
	if err := l.MarkAllRead(ctx, ids); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if fs.sets != 1 {
		t.Fatalf("got %d writes, want 1", fs.sets)
	}

	// already-read set: no write at all
	if err := l.MarkAllRead(ctx, ids); err != nil {
		t.Fatalf("repeat mark all: %v", err)
	}
	if fs.sets != 1 {
		t.Fatal("no-op mark-all wrote to the store")
	}
}
