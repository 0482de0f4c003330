package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"stocksentry/pkg/logx"
)

var ErrDisabled = errors.New("kvstore disabled")

// Config configures the key-value store.
//
// Driver values:
//   - "sqlite": SQLite database file (default when empty)
//   - "file":   dependency-free file backend (snapshot + journal)
//
// If Driver is "none", the store is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the ledgers and threshold store.
//
// Revisions reports the current on-disk revision per key so the Watcher can
// tell external writes from our own. LocalRevisions reports the highest
// revision this process itself wrote per key.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Revisions(ctx context.Context) (map[string]int64, error)
	LocalRevisions() map[string]int64
	// Path returns the backing file watched for cross-process changes.
	Path() string
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown kvstore driver: " + driver)
	}
}

// localRevs tracks revisions written by this process. Shared by drivers.
type localRevs struct {
	revs map[string]int64
}

// deletedRev marks a key this process deleted itself.
const deletedRev = int64(-1)

func (l *localRevs) record(key string, rev int64) {
	if l.revs == nil {
		l.revs = map[string]int64{}
	}
	if rev > l.revs[key] || l.revs[key] == deletedRev {
		l.revs[key] = rev
	}
}

func (l *localRevs) recordDeleted(key string) {
	if l.revs == nil {
		l.revs = map[string]int64{}
	}
	l.revs[key] = deletedRev
}

func (l *localRevs) snapshot() map[string]int64 {
	out := make(map[string]int64, len(l.revs))
	for k, v := range l.revs {
		out[k] = v
	}
	return out
}
