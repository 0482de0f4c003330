package alerts

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"stocksentry/internal/kvstore"
	"stocksentry/pkg/logx"
)

// Channel names for the two independently-addressable presentation surfaces.
// Dismissing on one channel never affects the other.
const (
	ChannelAlert        = "alert"
	ChannelNotification = "notification"
)

func dismissalKey(channel string) string { return "alerts:dismissed:" + channel }

// DismissalLedger is the persisted set of product ids a user has suppressed
// on one channel. Entries live only while the product stays flagged: the
// reconciliation engine prunes an id from both ledgers the moment its tier
// recovers to in-stock, so a dismissal can never outlive the condition that
// caused it.
//
// All writes fail closed: the in-memory set changes only after the store
// write succeeds, so a reload never resurrects a mutation the user was told
// failed.
type DismissalLedger struct {
	kv      kvstore.Store
	key     string
	channel string
	log     logx.Logger

	mu     sync.Mutex
	ids    map[string]struct{}
	loaded bool
}

func NewDismissalLedger(kv kvstore.Store, channel string, log logx.Logger) *DismissalLedger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DismissalLedger{kv: kv, key: dismissalKey(channel), channel: channel, log: log}
}

func (l *DismissalLedger) Channel() string { return l.channel }

func (l *DismissalLedger) loadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	b, ok, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return &PersistError{Op: "load", Key: l.key, Err: err}
	}
	ids := map[string]struct{}{}
	if ok {
		var list []string
		if uerr := json.Unmarshal(b, &list); uerr != nil {
			l.log.Warn("stored dismissals unreadable; starting empty",
				logx.String("channel", l.channel), logx.Any("err", uerr))
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

// Dismiss adds the product to the suppressed set and persists it.
func (l *DismissalLedger) Dismiss(ctx context.Context, productID string) error {
	if productID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return err
	}
	if _, ok := l.ids[productID]; ok {
		return nil
	}

	next := copySet(l.ids)
	next[productID] = struct{}{}
	if err := l.persistLocked(ctx, next); err != nil {
		return err
	}
	l.ids = next
	l.log.Debug("product dismissed", logx.String("channel", l.channel), logx.String("product", productID))
	return nil
}

// IDs returns a copy of the suppressed set.
func (l *DismissalLedger) IDs(ctx context.Context) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return nil, err
	}
	return copySet(l.ids), nil
}

// Prune removes every id that appears in resolved, persisting only when the
// set actually changed. This is the self-healing step: a dismissal must not
// survive the stock condition that caused it.
func (l *DismissalLedger) Prune(ctx context.Context, resolved map[string]struct{}) error {
	if len(resolved) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return err
	}

	var removed []string
	for id := range l.ids {
		if _, ok := resolved[id]; ok {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	next := copySet(l.ids)
	for _, id := range removed {
		delete(next, id)
	}
	if err := l.persistLocked(ctx, next); err != nil {
		return err
	}
	l.ids = next
	l.log.Debug("dismissals pruned",
		logx.String("channel", l.channel), logx.Int("removed", len(removed)))
	return nil
}

// Clear empties the set and persists the empty record.
func (l *DismissalLedger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return err
	}
	next := map[string]struct{}{}
	if err := l.persistLocked(ctx, next); err != nil {
		return err
	}
	l.ids = next
	return nil
}

// Invalidate drops the in-memory set so the next use re-reads the store.
func (l *DismissalLedger) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.ids = nil
	l.mu.Unlock()
}

func (l *DismissalLedger) persistLocked(ctx context.Context, ids map[string]struct{}) error {
	b, err := json.Marshal(sortedIDs(ids))
	if err != nil {
		return &PersistError{Op: "encode", Key: l.key, Err: err}
	}
	if err := l.kv.Set(ctx, l.key, b); err != nil {
		return &PersistError{Op: "write", Key: l.key, Err: err}
	}
	return nil
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// sortedIDs keeps the persisted bytes stable across writes of the same set.
func sortedIDs(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
