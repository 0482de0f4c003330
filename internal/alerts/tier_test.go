package alerts

import "testing"

func TestClassify(t *testing.T) {
	cfg := ThresholdConfig{LowStockLimit: 10, CriticalStockLimit: 3, AutoAlert: true}

	cases := []struct {
		name     string
		current  int
		minStock int
		want     Tier
	}{
		{"zero is out of stock", 0, 0, TierOutOfStock},
		{"zero beats min stock", 0, 50, TierOutOfStock},
		{"at critical limit", 3, 0, TierCriticalStock},
		{"below critical limit", 1, 0, TierCriticalStock},
		{"critical beats min stock", 2, 50, TierCriticalStock},
		{"at low limit", 10, 0, TierLowStock},
		{"between critical and low", 4, 0, TierLowStock},
		{"above low limit but under min stock", 15, 20, TierLowStock},
		{"at min stock", 20, 20, TierLowStock},
		{"healthy", 11, 0, TierInStock},
		{"healthy above min stock", 21, 20, TierInStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.current, tc.minStock, cfg); got != tc.want {
				t.Fatalf("Classify(%d, %d) = %q, want %q", tc.current, tc.minStock, got, tc.want)
			}
		})
	}
}

func TestClassifyZeroCriticalLimit(t *testing.T) {
	// critical limit 0: the out-of-stock check still fires first, so the
	// critical tier becomes unreachable rather than swallowing zeros.
	cfg := ThresholdConfig{LowStockLimit: 10, CriticalStockLimit: 0}
	if got := Classify(0, 0, cfg); got != TierOutOfStock {
		t.Fatalf("Classify(0) = %q, want %q", got, TierOutOfStock)
	}
	if got := Classify(1, 0, cfg); got != TierLowStock {
		t.Fatalf("Classify(1) = %q, want %q", got, TierLowStock)
	}
}

func TestNotificationID(t *testing.T) {
	if got := NotificationID("p-1", TierLowStock); got != "p-1:low_stock" {
		t.Fatalf("NotificationID = %q", got)
	}
	// a tier change produces a different id for the same product
	if NotificationID("p-1", TierLowStock) == NotificationID("p-1", TierCriticalStock) {
		t.Fatal("ids for different tiers must differ")
	}
}
