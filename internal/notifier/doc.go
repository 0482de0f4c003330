// Package notifier pushes stock alerts to an external messaging channel.
//
// Messages flow through an async pipeline: queue + worker pool + rate limit
// + retry + dedup. Delivery is delegated to an Adapter implementation (the
// Telegram adapter in this repo), so the pipeline itself stays free of any
// messaging-platform specifics.
//
// The pipeline is best-effort: a full queue drops the message, a suppressed
// duplicate is silently absorbed, and exhausted retries surface only as a
// bus event. Alert delivery must never block or fail a reconciliation
// cycle.
package notifier
