package config

// Config is the full application configuration.
//
// It is loaded from a JSON or YAML file (strict decoding in both cases) and
// hot-reloaded on file changes. All durations are Go duration strings
// (e.g. "500ms", "10s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Inventory InventoryConfig `json:"inventory"`
	Storage   StorageConfig   `json:"storage"`
	Reconcile ReconcileConfig `json:"reconcile"`
	API       APIConfig       `json:"api"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// InventoryConfig points at the inventory collaborator.
//
// URL must return the current list of active-product stock rows as a JSON
// array. Ordering is not required of the collaborator.
type InventoryConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // default: "10s"
}

// StorageConfig controls the persisted key-value store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./stocksentry.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // default: "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ReconcileConfig controls the reconciliation engine.
//
// Defaults (when fields are omitted/zero):
//   - interval: "120s"
//   - floor:    "2s" (minimum spacing between cycles; coalesces trigger storms)
type ReconcileConfig struct {
	Interval string `json:"interval,omitempty"`
	Floor    string `json:"floor,omitempty"`
}

type APIConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the optional outbound alert push.
//
// If the whole section is omitted, or token/chat_id are empty, the notifier
// stays disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Token           string `json:"token,omitempty"`
	ChatID          int64  `json:"chat_id,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}
