package alerts

import (
	"testing"
	"time"
)

func TestNoveltyRaisesOnRisingUnreadTotal(t *testing.T) {
	d := NewNoveltyDetector(time.Minute, nil)

	if d.Observe(0, 0) {
		t.Fatal("empty observation raised the signal")
	}
	if !d.Observe(2, 2) {
		t.Fatal("rising total with unread items should raise")
	}
	if !d.IsNovel() {
		t.Fatal("signal not held after raise")
	}
}

func TestNoveltyIgnoresRiseWithoutUnread(t *testing.T) {
	d := NewNoveltyDetector(time.Minute, nil)

	// total rose but everything is already read: nothing new to announce
	if d.Observe(0, 3) {
		t.Fatal("raised without unread items")
	}
}

func TestNoveltyLowersOnChangedTotal(t *testing.T) {
	d := NewNoveltyDetector(time.Minute, nil)
	if !d.Observe(2, 2) {
		t.Fatal("setup raise failed")
	}
	// a product recovered: total changed without the raise condition
	if d.Observe(1, 1) {
		t.Fatal("signal survived a falling total")
	}
}

func TestNoveltyUnchangedTotalLeavesSignalAlone(t *testing.T) {
	d := NewNoveltyDetector(time.Minute, nil)
	if !d.Observe(2, 2) {
		t.Fatal("setup raise failed")
	}
	// re-observing the same total (e.g. a periodic cycle) holds the signal
	if !d.Observe(1, 2) {
		t.Fatal("signal dropped on an unchanged total")
	}
}

func TestNoveltyAutoReverts(t *testing.T) {
	d := NewNoveltyDetector(30*time.Millisecond, nil)
	if !d.Observe(1, 1) {
		t.Fatal("setup raise failed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.IsNovel() {
		if time.Now().After(deadline) {
			t.Fatal("signal never reverted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the revert is one-way: the state machine stays quiet afterwards
	if d.IsNovel() {
		t.Fatal("signal re-raised itself")
	}
}

func TestNoveltyRepeatedRaiseRestartsWindow(t *testing.T) {
	d := NewNoveltyDetector(60*time.Millisecond, nil)
	if !d.Observe(1, 1) {
		t.Fatal("setup raise failed")
	}
	time.Sleep(40 * time.Millisecond)
	// another rise before the revert fires restarts the window
	if !d.Observe(2, 2) {
		t.Fatal("second raise failed")
	}
	time.Sleep(40 * time.Millisecond)
	if !d.IsNovel() {
		t.Fatal("restarted window expired early")
	}
}
