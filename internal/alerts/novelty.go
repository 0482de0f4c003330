package alerts

import (
	"sync"
	"time"

	"stocksentry/internal/eventbus"
)

const defaultNoveltyWindow = 3 * time.Second

// NoveltyDetector is a two-state machine (quiet/novel) that flags a rising
// unread alert count. Once raised, the signal reverts to quiet after a
// fixed window regardless of further input, bounding how long any
// attention-grabbing indicator stays active.
type NoveltyDetector struct {
	bus    eventbus.Bus
	window time.Duration

	mu             sync.Mutex
	lastKnownTotal int
	novel          bool
	// ver invalidates stale revert timers after newer observations.
	ver uint64
}

func NewNoveltyDetector(window time.Duration, bus eventbus.Bus) *NoveltyDetector {
	if window <= 0 {
		window = defaultNoveltyWindow
	}
	return &NoveltyDetector{window: window, bus: bus}
}

// Observe feeds one cycle's unread and total flagged counts and returns the
// current signal. A rising total with unread items raises the signal; a
// changed total without that condition lowers it; an unchanged total leaves
// it alone.
func (d *NoveltyDetector) Observe(unreadCount, totalFlagged int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case unreadCount > 0 && totalFlagged > d.lastKnownTotal:
		d.lastKnownTotal = totalFlagged
		d.raiseLocked(unreadCount, totalFlagged)
	case totalFlagged != d.lastKnownTotal:
		d.lastKnownTotal = totalFlagged
		d.lowerLocked(unreadCount, totalFlagged)
	}
	return d.novel
}

// IsNovel returns the current signal.
func (d *NoveltyDetector) IsNovel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.novel
}

func (d *NoveltyDetector) raiseLocked(unread, flagged int) {
	d.ver++
	ver := d.ver
	if !d.novel {
		d.novel = true
		d.publishLocked(unread, flagged)
	}
	// Each raise restarts the revert window.
	time.AfterFunc(d.window, func() { d.revert(ver) })
}

func (d *NoveltyDetector) lowerLocked(unread, flagged int) {
	d.ver++
	if d.novel {
		d.novel = false
		d.publishLocked(unread, flagged)
	}
}

func (d *NoveltyDetector) revert(ver uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ver != d.ver || !d.novel {
		return
	}
	d.novel = false
	d.publishLocked(0, d.lastKnownTotal)
}

func (d *NoveltyDetector) publishLocked(unread, flagged int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TypeNovel,
		Data: eventbus.NoveltySignal{Novel: d.novel, UnreadCount: unread, Flagged: flagged},
	})
}
