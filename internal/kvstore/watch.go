package kvstore

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stocksentry/internal/eventbus"
	"stocksentry/pkg/logx"
)

// Watcher turns filesystem activity on the store's backing files into
// advisory KeyChange events. It diffs on-disk key revisions against the
// last observed set, skipping keys whose latest revision was written by
// this process (those are already reflected in memory).
type Watcher struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.Mutex
	last map[string]int64
}

func NewWatcher(store Store, bus eventbus.Bus, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{store: store, bus: bus, log: log}
}

// Prime records the current on-disk revisions without publishing anything,
// so pre-existing keys don't fire a change storm at startup.
func (w *Watcher) Prime(ctx context.Context) error {
	revs, err := w.store.Revisions(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.last = revs
	w.mu.Unlock()
	return nil
}

// diff publishes KeyChange events for externally modified keys.
func (w *Watcher) diff(ctx context.Context) {
	revs, err := w.store.Revisions(ctx)
	if err != nil {
		w.log.Warn("kv revision read failed", logx.Any("err", err))
		return
	}
	local := w.store.LocalRevisions()

	w.mu.Lock()
	last := w.last
	w.last = revs
	w.mu.Unlock()

	now := time.Now()
	for key, rev := range revs {
		if lr, ok := local[key]; ok && lr >= rev {
			// Our own write.
			continue
		}
		if prev, ok := last[key]; ok && prev == rev {
			continue
		}
		w.publish(key, now)
	}
	for key := range last {
		if _, ok := revs[key]; ok {
			continue
		}
		if lr, ok := local[key]; ok && lr == deletedRev {
			continue
		}
		w.publish(key, now)
	}
}

func (w *Watcher) publish(key string, at time.Time) {
	w.log.Debug("kv key changed externally", logx.String("key", key))
	w.bus.Publish(eventbus.Event{
		Type: eventbus.TypeKeyChanged,
		Time: at,
		Data: eventbus.KeyChange{Key: key, At: at},
	})
}

// Watch runs until ctx is cancelled.
//
// When fsnotify gets into a bad state the watcher may stop delivering events
// or close its channels. Self-heal by recreating the watcher with a small
// exponential backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	path := w.store.Path()
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	// local RNG to avoid global contention (and to keep jitter deterministic per process).
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// debounce to avoid reacting to partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			w.diff(ctx)
		})
	}

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("kv watch init failed", logx.Any("err", err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("kv watch add failed", logx.Any("err", err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't cause long restart delays
		backoff = restartBackoffBase
		w.log.Debug("kv watcher started", logx.String("dir", dir), logx.String("prefix", base))

		// inner loop: runs until the watcher breaks, then the outer loop recreates it.
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				// React only to files that share the store's base prefix
				// (the sqlite db + -wal/-shm, or the file driver's
				// snapshot/journal pair).
				if strings.HasPrefix(filepath.Base(ev.Name), base) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
						debounce()
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; diff once and keep going.
				// Avoid depending on a specific fsnotify error constant across versions.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.log.Warn("kv watch overflow; forcing diff", logx.Any("err", err), logx.String("dir", dir))
					debounce()
					continue
				}
				w.log.Warn("kv watch error", logx.Any("err", err), logx.String("dir", dir))
				// Some fsnotify backends surface watcher closure via an error.
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("kv watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			return nil
		}
	}
}
