package alerts

import (
	"context"
	"encoding/json"
	"sync"

	"stocksentry/internal/kvstore"
	"stocksentry/pkg/logx"
)

const readKey = "alerts:read"

// ReadLedger is the persisted set of tier-qualified notification ids the
// user has seen. Marking read never removes a notification; it only affects
// unread counts.
//
// Unlike the dismissal ledgers, this ledger is never pruned when a tier
// recovers. The asymmetry is deliberate: a read mark is keyed by
// product+tier, so a later tier change still surfaces as a new unread
// entry, while the identical product/tier recurring does not re-alarm a
// user who already acknowledged it.
type ReadLedger struct {
	kv  kvstore.Store
	log logx.Logger

	mu     sync.Mutex
	ids    map[string]struct{}
	loaded bool
}

func NewReadLedger(kv kvstore.Store, log logx.Logger) *ReadLedger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReadLedger{kv: kv, log: log}
}

func (l *ReadLedger) loadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	b, ok, err := l.kv.Get(ctx, readKey)
	if err != nil {
		return &PersistError{Op: "load", Key: readKey, Err: err}
	}
	ids := map[string]struct{}{}
	if ok {
		var list []string
		if uerr := json.Unmarshal(b, &list); uerr != nil {
			l.log.Warn("stored read marks unreadable; starting empty", logx.Any("err", uerr))
		} else {
			for _, id := range list {
				ids[id] = struct{}{}
			}
		}
	}
	l.ids = ids
	l.loaded = true
	return nil
}

// MarkRead marks one tier-qualified notification id as seen.
func (l *ReadLedger) MarkRead(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return nil
	}
	return l.markLocked(ctx, []string{notificationID})
}

// MarkAllRead marks every given tier-qualified id as seen in one write.
func (l *ReadLedger) MarkAllRead(ctx context.Context, notificationIDs []string) error {
	return l.markLocked(ctx, notificationIDs)
}

func (l *ReadLedger) markLocked(ctx context.Context, notificationIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return err
	}

	next := copySet(l.ids)
	changed := false
	for _, id := range notificationIDs {
		if id == "" {
			continue
		}
		if _, ok := next[id]; !ok {
			next[id] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}

	b, err := json.Marshal(sortedIDs(next))
	if err != nil {
		return &PersistError{Op: "encode", Key: readKey, Err: err}
	}
	if err := l.kv.Set(ctx, readKey, b); err != nil {
		return &PersistError{Op: "write", Key: readKey, Err: err}
	}
	l.ids = next
	return nil
}

// IsRead reports whether this exact tier-qualified id has been seen,
// independent of whether the underlying product is still flagged.
func (l *ReadLedger) IsRead(ctx context.Context, notificationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return false, err
	}
	_, ok := l.ids[notificationID]
	return ok, nil
}

// Snapshot returns a copy of all seen ids.
func (l *ReadLedger) Snapshot(ctx context.Context) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return nil, err
	}
	return copySet(l.ids), nil
}

// Invalidate drops the in-memory set so the next use re-reads the store.
func (l *ReadLedger) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.ids = nil
	l.mu.Unlock()
}
