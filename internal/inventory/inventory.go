// Package inventory is the boundary to the external inventory collaborator.
//
// The collaborator owns and mutates stock; this package only reads
// point-in-time snapshots of it. No ordering is required of the
// collaborator.
package inventory

import "context"

// StockSnapshot is one active product row as reported by the inventory
// collaborator. It may change between any two reads.
type StockSnapshot struct {
	ProductID    string   `json:"product_id"`
	Name         string   `json:"name"`
	SKU          string   `json:"sku"`
	Brand        string   `json:"brand,omitempty"`
	Category     string   `json:"category,omitempty"`
	CurrentStock int      `json:"current_stock"`
	MinStock     int      `json:"min_stock"`
	Cost         float64  `json:"cost,omitempty"`
	RetailPrice  float64  `json:"retail_price,omitempty"`
	Images       []string `json:"images,omitempty"`
}

// Source returns the current list of active-product snapshots.
//
// Implementations must honor ctx cancellation: a superseded fetch is
// discarded by the caller, not applied.
type Source interface {
	Snapshots(ctx context.Context) ([]StockSnapshot, error)
}
