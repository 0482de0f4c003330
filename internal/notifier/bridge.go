package notifier

import (
	"context"
	"fmt"
	"strings"

	"stocksentry/internal/alerts"
	"stocksentry/internal/eventbus"
	"stocksentry/pkg/logx"
)

// AlertSource is the slice of the reconciliation engine the bridge reads.
type AlertSource interface {
	Views() (alerts.AlertView, alerts.NotificationView)
	Thresholds(ctx context.Context) (alerts.ThresholdConfig, error)
}

// Bridge pushes a summary message whenever the novelty signal raises, i.e.
// when new unread stock conditions appeared. The auto-alert toggle gates it
// at push time, so flipping the setting takes effect without a restart.
type Bridge struct {
	svc    *Service
	src    AlertSource
	bus    eventbus.Bus
	log    logx.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBridge(svc *Service, src AlertSource, bus eventbus.Bus, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{svc: svc, src: src, bus: bus, log: log}
}

func (b *Bridge) Start(ctx context.Context) {
	if b.done != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	ch, unsub := b.bus.Subscribe(8)
	go func() {
		defer close(b.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeNovel {
					continue
				}
				sig, ok := ev.Data.(eventbus.NoveltySignal)
				if !ok || !sig.Novel {
					continue
				}
				b.push(ctx)
			}
		}
	}()
}

func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
		b.done = nil
	}
}

func (b *Bridge) push(ctx context.Context) {
	cfg, err := b.src.Thresholds(ctx)
	if err != nil {
		b.log.Warn("skipping alert push", logx.Err(err))
		return
	}
	if !cfg.AutoAlert {
		return
	}

	av, nv := b.src.Views()
	if av.TotalCount == 0 {
		return
	}

	msg := Message{Priority: priorityFor(av), Text: formatSummary(av, nv.UnreadCount)}
	if err := b.svc.Notify(ctx, msg); err != nil {
		b.log.Warn("alert push not queued", logx.Err(err))
	}
}

func priorityFor(av alerts.AlertView) int {
	switch {
	case len(av.OutOfStock) > 0:
		return 9
	case len(av.CriticalStock) > 0:
		return 7
	default:
		return 5
	}
}

func formatSummary(av alerts.AlertView, unread int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stock alerts: %d flagged, %d unread\n", av.TotalCount, unread)
	writeBucket(&sb, "Out of stock", av.OutOfStock)
	writeBucket(&sb, "Critical", av.CriticalStock)
	writeBucket(&sb, "Low", av.LowStock)
	return strings.TrimRight(sb.String(), "\n")
}

func writeBucket(sb *strings.Builder, label string, items []alerts.FlaggedProduct) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", label)
	for i, p := range items {
		if i == 5 {
			fmt.Fprintf(sb, "  … and %d more\n", len(items)-i)
			break
		}
		name := p.Name
		if name == "" {
			name = p.ProductID
		}
		fmt.Fprintf(sb, "  %s (%d left)\n", name, p.CurrentStock)
	}
}
