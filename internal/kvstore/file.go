package kvstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stocksentry/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.snapshot.json (periodic snapshot)
//   - <prefix>.kv.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. The in-memory map
// is only a cache of the files: every read checks the file stamps and reloads
// when another process appended to the journal or rewrote the snapshot, so
// external writes are visible to Get the same way they are to Revisions.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	cfgPath      string
	snapshotPath string
	journalPath  string
	journalFile  *os.File

	data  map[string]fileRecord
	local localRevs

	snapStamp  fileStamp
	journStamp fileStamp

	writes int
}

// fileStamp identifies one on-disk state of a backing file. Journal appends
// grow the size, compaction rewrites the snapshot; either moves the stamp.
type fileStamp struct {
	size int64
	mod  time.Time
}

func stampOf(path string) fileStamp {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{size: fi.Size(), mod: fi.ModTime()}
}

type fileRecord struct {
	Value []byte `json:"value"`
	Rev   int64  `json:"rev"`
}

type journalRecord struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	Rev   int64  `json:"rev"`
	Del   bool   `json:"del,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("kvstore.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	data := map[string]fileRecord{}
	_ = loadSnapshot(snapPath, data)
	_ = replayJournal(journalPath, data)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		cfgPath:      path,
		snapshotPath: snapPath,
		journalPath:  journalPath,
		journalFile:  jf,
		data:         data,
		snapStamp:    stampOf(snapPath),
		journStamp:   stampOf(journalPath),
	}, nil
}

// refreshLocked reloads the cache from disk if either backing file changed
// since we last read it. Our own writes hit the journal before memory, so a
// full reload never loses them.
func (s *fileStore) refreshLocked() {
	snap := stampOf(s.snapshotPath)
	journ := stampOf(s.journalPath)
	if snap == s.snapStamp && journ == s.journStamp {
		return
	}

	data := map[string]fileRecord{}
	_ = loadSnapshot(s.snapshotPath, data)
	_ = replayJournal(s.journalPath, data)
	s.data = data
	s.snapStamp = snap
	s.journStamp = journ
}

func (s *fileStore) Path() string { return s.cfgPath }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	rec, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := append([]byte(nil), rec.Value...)
	return out, true, nil
}

func (s *fileStore) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("kv journal closed")
	}
	// Pick up external writes first so the new revision lands above theirs.
	s.refreshLocked()

	rev := s.data[key].Rev + 1
	rec := journalRecord{Key: key, Value: value, Rev: rev}
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(rec); err != nil {
		return err
	}

	// Journal write succeeded; commit to memory. The journal stamp is left
	// untouched: the next read reloads from disk, which also picks up any
	// external append that raced with ours.
	s.data[key] = fileRecord{Value: append([]byte(nil), value...), Rev: rev}
	s.local.record(key, rev)

	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("kv journal closed")
	}
	s.refreshLocked()
	if _, ok := s.data[key]; !ok {
		return nil
	}

	rec := journalRecord{Key: key, Rev: s.data[key].Rev + 1, Del: true}
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(rec); err != nil {
		return err
	}

	delete(s.data, key)
	s.local.recordDeleted(key)
	return nil
}

func (s *fileStore) Revisions(ctx context.Context) (map[string]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	out := make(map[string]int64, len(s.data))
	for k, rec := range s.data {
		out[k] = rec.Rev
	}
	return out, nil
}

func (s *fileStore) LocalRevisions() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.snapshot()
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, 2); err != nil {
		return err
	}
	s.snapStamp = stampOf(s.snapshotPath)
	s.journStamp = stampOf(s.journalPath)
	return nil
}

func loadSnapshot(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if r.Del {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = fileRecord{Value: r.Value, Rev: r.Rev}
	}
	return sc.Err()
}
