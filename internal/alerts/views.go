package alerts

import (
	"sort"

	"stocksentry/internal/inventory"
)

// FlaggedProduct is a snapshot row together with its derived tier.
type FlaggedProduct struct {
	inventory.StockSnapshot
	Tier Tier `json:"tier"`
}

// AlertView is what the alert surface renders: flagged products minus that
// channel's dismissals, bucketed in fixed display priority order.
type AlertView struct {
	OutOfStock    []FlaggedProduct `json:"out_of_stock"`
	CriticalStock []FlaggedProduct `json:"critical_stock"`
	LowStock      []FlaggedProduct `json:"low_stock"`
	TotalCount    int              `json:"total_count"`
	Stale         bool             `json:"stale"`
}

// NotificationItem is one entry on the notification surface. Its ID is
// tier-qualified, so a tier change yields a new, unread item.
type NotificationItem struct {
	ID string `json:"id"`
	FlaggedProduct
	IsRead bool `json:"is_read"`
}

// NotificationView is what the notification surface renders.
type NotificationView struct {
	Items       []NotificationItem `json:"items"`
	UnreadCount int                `json:"unread_count"`
	Novel       bool               `json:"is_novel"`
	Stale       bool               `json:"stale"`
}

// sortFlagged orders products for display: most urgent tier first, then
// lowest stock, then id for determinism.
func sortFlagged(items []FlaggedProduct) {
	sort.Slice(items, func(i, j int) bool {
		if a, b := items[i].Tier.rank(), items[j].Tier.rank(); a != b {
			return a < b
		}
		if items[i].CurrentStock != items[j].CurrentStock {
			return items[i].CurrentStock < items[j].CurrentStock
		}
		return items[i].ProductID < items[j].ProductID
	})
}

func buildAlertView(flagged []FlaggedProduct, dismissed map[string]struct{}, stale bool) AlertView {
	view := AlertView{
		OutOfStock:    []FlaggedProduct{},
		CriticalStock: []FlaggedProduct{},
		LowStock:      []FlaggedProduct{},
		Stale:         stale,
	}
	for _, p := range flagged {
		if _, ok := dismissed[p.ProductID]; ok {
			continue
		}
		switch p.Tier {
		case TierOutOfStock:
			view.OutOfStock = append(view.OutOfStock, p)
		case TierCriticalStock:
			view.CriticalStock = append(view.CriticalStock, p)
		case TierLowStock:
			view.LowStock = append(view.LowStock, p)
		}
		view.TotalCount++
	}
	return view
}

func buildNotificationView(flagged []FlaggedProduct, dismissed map[string]struct{}, isRead func(string) bool, stale bool) NotificationView {
	view := NotificationView{Items: []NotificationItem{}, Stale: stale}
	for _, p := range flagged {
		if _, ok := dismissed[p.ProductID]; ok {
			continue
		}
		item := NotificationItem{
			ID:             NotificationID(p.ProductID, p.Tier),
			FlaggedProduct: p,
		}
		item.IsRead = isRead(item.ID)
		if !item.IsRead {
			view.UnreadCount++
		}
		view.Items = append(view.Items, item)
	}
	return view
}
