// Package httpapi exposes the alert, notification and settings surfaces
// over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"stocksentry/internal/alerts"
	"stocksentry/internal/notifier"
	"stocksentry/pkg/logx"
)

// App holds the handlers' dependencies.
type App struct {
	Engine   *alerts.Engine
	Notifier *notifier.Service // nil when outbound push is not configured
	Log      logx.Logger

	started time.Time
}

func NewApp(engine *alerts.Engine, n *notifier.Service, log logx.Logger) *App {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &App{Engine: engine, Notifier: n, Log: log, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) getAlertsHandler(w http.ResponseWriter, r *http.Request) {
	av, _ := a.Engine.Views()
	writeJSON(w, http.StatusOK, av)
}

func (a *App) dismissAlertHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "product id is required")
		return
	}
	if err := a.Engine.Dismiss(r.Context(), alerts.ChannelAlert, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed", "product_id": id})
}

type refreshResponse struct {
	Alerts        alerts.AlertView        `json:"alerts"`
	Notifications alerts.NotificationView `json:"notifications"`
}

func (a *App) refreshHandler(w http.ResponseWriter, r *http.Request) {
	av, nv, err := a.Engine.Refresh(r.Context())
	if err != nil {
		var serr *alerts.SnapshotError
		if errors.As(err, &serr) {
			// Last good views, flagged stale. The client sees the data it
			// can still act on plus the staleness marker.
			writeJSON(w, http.StatusOK, refreshResponse{Alerts: av, Notifications: nv})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Alerts: av, Notifications: nv})
}

func (a *App) clearDismissedHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.ClearDismissed(r.Context(), alerts.ChannelAlert); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *App) getNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	_, nv := a.Engine.Views()
	writeJSON(w, http.StatusOK, nv)
}

func (a *App) markReadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "notification id is required")
		return
	}
	if err := a.Engine.MarkRead(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read", "id": id})
}

func (a *App) markAllReadHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.MarkAllRead(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (a *App) dismissNotificationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("product_id")
	if id == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "product id is required")
		return
	}
	if err := a.Engine.Dismiss(r.Context(), alerts.ChannelNotification, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed", "product_id": id})
}

func (a *App) getThresholdsHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Engine.Thresholds(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *App) putThresholdsHandler(w http.ResponseWriter, r *http.Request) {
	var patch alerts.ThresholdPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if patch.LowStockLimit != nil && *patch.LowStockLimit < 0 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "low_stock_limit must be >= 0")
		return
	}
	if patch.CriticalStockLimit != nil && *patch.CriticalStockLimit < 0 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "critical_stock_limit must be >= 0")
		return
	}
	cfg, err := a.Engine.UpdateThresholds(r.Context(), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *App) deleteThresholdsHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Engine.ResetThresholds(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *App) notifierHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if a.Notifier == nil {
		writeJSON(w, http.StatusOK, []notifier.HistoryItem{})
		return
	}
	writeJSON(w, http.StatusOK, a.Notifier.Snapshot())
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	av, _ := a.Engine.Views()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(a.started).String(),
		"stale":   av.Stale,
		"flagged": av.TotalCount,
	})
}
