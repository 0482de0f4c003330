package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stocksentry/internal/eventbus"
	"stocksentry/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	st := openTestStore(t, path)

	if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := st.Set(ctx, "a", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := st.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"x":1}` {
		t.Fatalf("unexpected value: %s", v)
	}

	if err := st.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "a"); ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestFileStoreRevisionsBumpPerWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	st := openTestStore(t, path)

	_ = st.Set(ctx, "k", []byte("1"))
	_ = st.Set(ctx, "k", []byte("2"))

	revs, err := st.Revisions(ctx)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if revs["k"] != 2 {
		t.Fatalf("expected rev 2, got %d", revs["k"])
	}
	local := st.LocalRevisions()
	if local["k"] != 2 {
		t.Fatalf("expected local rev 2, got %d", local["k"])
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Set(ctx, "keep", []byte("v"))
	_ = st.Set(ctx, "drop", []byte("v"))
	_ = st.Delete(ctx, "drop")
	_ = st.Close()

	st2 := openTestStore(t, path)
	if _, ok, _ := st2.Get(ctx, "keep"); !ok {
		t.Fatalf("expected 'keep' to survive reopen")
	}
	if _, ok, _ := st2.Get(ctx, "drop"); ok {
		t.Fatalf("expected 'drop' to stay deleted after reopen")
	}
}

func TestFileStoreGetSeesExternalWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	mine := openTestStore(t, path)
	other := openTestStore(t, path) // simulates a second process

	if err := other.Set(ctx, "shared", []byte("v1")); err != nil {
		t.Fatalf("external set: %v", err)
	}
	v, ok, err := mine.Get(ctx, "shared")
	if err != nil || !ok {
		t.Fatalf("external write invisible: ok=%v err=%v", ok, err)
	}
	if string(v) != "v1" {
		t.Fatalf("unexpected value: %s", v)
	}

	// an external overwrite must also read through
	if err := other.Set(ctx, "shared", []byte("v2")); err != nil {
		t.Fatalf("external set: %v", err)
	}
	if v, _, _ := mine.Get(ctx, "shared"); string(v) != "v2" {
		t.Fatalf("external overwrite invisible, got %s", v)
	}

	// and an external delete
	if err := other.Delete(ctx, "shared"); err != nil {
		t.Fatalf("external delete: %v", err)
	}
	if _, ok, _ := mine.Get(ctx, "shared"); ok {
		t.Fatal("external delete invisible")
	}

	// revisions agree with what Get serves
	revs, err := mine.Revisions(ctx)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if _, ok := revs["shared"]; ok {
		t.Fatalf("deleted key still in revisions: %v", revs)
	}
}

func TestWatcherPublishesExternalWritesOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	mine := openTestStore(t, path)
	other := openTestStore(t, path) // simulates a second process

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	w := NewWatcher(mine, bus, logx.Nop())
	if err := w.Prime(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}

	// Our own write must not publish.
	_ = mine.Set(ctx, "ours", []byte("v"))
	w.diff(ctx)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event for local write: %+v", e)
	default:
	}

	// A write by the other process must publish the key.
	_ = other.Set(ctx, "theirs", []byte("v"))
	w.diff(ctx)
	select {
	case e := <-ch:
		kc, ok := e.Data.(eventbus.KeyChange)
		if !ok || kc.Key != "theirs" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected key change event")
	}

	// Unchanged state publishes nothing.
	w.diff(ctx)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event with no changes: %+v", e)
	default:
	}
}
