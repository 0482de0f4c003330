package inventory

import (
	"context"
	"sync"
)

// StaticSource serves snapshots from memory. Used in tests and demos; its
// rows can be swapped between reads to simulate stock movement.
type StaticSource struct {
	mu   sync.Mutex
	rows []StockSnapshot
	err  error
}

func NewStaticSource(rows ...StockSnapshot) *StaticSource {
	return &StaticSource{rows: rows}
}

func (s *StaticSource) Snapshots(ctx context.Context) ([]StockSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]StockSnapshot, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

// SetRows replaces the served rows.
func (s *StaticSource) SetRows(rows ...StockSnapshot) {
	s.mu.Lock()
	s.rows = append([]StockSnapshot(nil), rows...)
	s.err = nil
	s.mu.Unlock()
}

// SetStock adjusts a single product's current stock in place.
func (s *StaticSource) SetStock(productID string, current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ProductID == productID {
			s.rows[i].CurrentStock = current
			return
		}
	}
}

// Fail makes subsequent reads return err until SetRows is called.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
