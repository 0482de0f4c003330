package alerts

import (
	"context"
	"encoding/json"
	"sync"

	"stocksentry/internal/kvstore"
	"stocksentry/pkg/logx"
)

const thresholdsKey = "alerts:thresholds"

// ThresholdConfig holds the session-wide stock limits and the auto-alert
// toggle. It is treated as an immutable value per reconciliation cycle:
// every classification call receives it as a parameter.
type ThresholdConfig struct {
	LowStockLimit      int  `json:"low_stock_limit"`
	CriticalStockLimit int  `json:"critical_stock_limit"`
	AutoAlert          bool `json:"auto_alert"`
}

func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{LowStockLimit: 10, CriticalStockLimit: 3, AutoAlert: true}
}

// ThresholdPatch is a partial update; nil fields keep their current value.
type ThresholdPatch struct {
	LowStockLimit      *int  `json:"low_stock_limit,omitempty"`
	CriticalStockLimit *int  `json:"critical_stock_limit,omitempty"`
	AutoAlert          *bool `json:"auto_alert,omitempty"`
}

// ThresholdStore persists ThresholdConfig in the key-value store.
//
// It applies no business validation: negative limits are accepted here and
// rejected (if at all) by the caller presenting them to a user.
type ThresholdStore struct {
	kv  kvstore.Store
	log logx.Logger

	mu  sync.Mutex
	cur *ThresholdConfig
}

func NewThresholdStore(kv kvstore.Store, log logx.Logger) *ThresholdStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ThresholdStore{kv: kv, log: log}
}

// Load returns the current config, persisting the defaults on first use so
// subsequent reads are stable.
func (s *ThresholdStore) Load(ctx context.Context) (ThresholdConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *ThresholdStore) loadLocked(ctx context.Context) (ThresholdConfig, error) {
	if s.cur != nil {
		return *s.cur, nil
	}

	b, ok, err := s.kv.Get(ctx, thresholdsKey)
	if err != nil {
		return DefaultThresholds(), &PersistError{Op: "load", Key: thresholdsKey, Err: err}
	}
	if ok {
		var cfg ThresholdConfig
		if uerr := json.Unmarshal(b, &cfg); uerr == nil {
			s.cur = &cfg
			return cfg, nil
		}
		s.log.Warn("stored thresholds unreadable; restoring defaults", logx.String("key", thresholdsKey))
	}

	def := DefaultThresholds()
	if err := s.persistLocked(ctx, def); err != nil {
		return def, err
	}
	s.cur = &def
	return def, nil
}

// Update merges the patch into the current record and persists the full
// merged record. The in-memory copy changes only after the write succeeds.
func (s *ThresholdStore) Update(ctx context.Context, patch ThresholdPatch) (ThresholdConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(ctx)
	if err != nil {
		return cur, err
	}

	merged := cur
	if patch.LowStockLimit != nil {
		merged.LowStockLimit = *patch.LowStockLimit
	}
	if patch.CriticalStockLimit != nil {
		merged.CriticalStockLimit = *patch.CriticalStockLimit
	}
	if patch.AutoAlert != nil {
		merged.AutoAlert = *patch.AutoAlert
	}

	if err := s.persistLocked(ctx, merged); err != nil {
		return cur, err
	}
	s.cur = &merged
	return merged, nil
}

// Reset restores and persists the defaults.
func (s *ThresholdStore) Reset(ctx context.Context) (ThresholdConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := DefaultThresholds()
	if err := s.persistLocked(ctx, def); err != nil {
		cur := def
		if s.cur != nil {
			cur = *s.cur
		}
		return cur, err
	}
	s.cur = &def
	return def, nil
}

// Invalidate drops the in-memory copy so the next Load re-reads the store.
// Called when another process changed the persisted key.
func (s *ThresholdStore) Invalidate() {
	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
}

func (s *ThresholdStore) persistLocked(ctx context.Context, cfg ThresholdConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return &PersistError{Op: "encode", Key: thresholdsKey, Err: err}
	}
	if err := s.kv.Set(ctx, thresholdsKey, b); err != nil {
		return &PersistError{Op: "write", Key: thresholdsKey, Err: err}
	}
	return nil
}
