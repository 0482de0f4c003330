package alerts

// Tier is the stock-urgency classification of a single product. It is
// derived on every reconciliation cycle and never persisted, so it cannot
// go stale.
type Tier string

const (
	TierOutOfStock    Tier = "out_of_stock"
	TierCriticalStock Tier = "critical_stock"
	TierLowStock      Tier = "low_stock"
	TierInStock       Tier = "in_stock"
)

// rank orders tiers by display priority (most urgent first).
func (t Tier) rank() int {
	switch t {
	case TierOutOfStock:
		return 0
	case TierCriticalStock:
		return 1
	case TierLowStock:
		return 2
	default:
		return 3
	}
}

// Classify maps a stock level to a tier.
//
// The check order is load-bearing: out-of-stock wins over critical, and
// critical over low. Low stock triggers on either the global limit or the
// product's own minimum, whichever is breached.
func Classify(currentStock, minStock int, cfg ThresholdConfig) Tier {
	switch {
	case currentStock == 0:
		return TierOutOfStock
	case currentStock <= cfg.CriticalStockLimit:
		return TierCriticalStock
	case currentStock <= cfg.LowStockLimit || currentStock <= minStock:
		return TierLowStock
	default:
		return TierInStock
	}
}

// NotificationID is the tier-qualified identifier of a notification.
// A tier change yields a logically new notification for the same product.
func NotificationID(productID string, tier Tier) string {
	return productID + ":" + string(tier)
}
