package httpapi

import (
	"expvar"
	"net/http"
)

// NewRouter registers the routes and wraps them in the request-id and
// logging middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/alerts", app.getAlertsHandler)
	mux.HandleFunc("POST /api/alerts/refresh", app.refreshHandler)
	mux.HandleFunc("POST /api/alerts/dismissed/clear", app.clearDismissedHandler)
	mux.HandleFunc("POST /api/alerts/{id}/dismiss", app.dismissAlertHandler)

	mux.HandleFunc("GET /api/notifications", app.getNotificationsHandler)
	mux.HandleFunc("POST /api/notifications/read-all", app.markAllReadHandler)
	mux.HandleFunc("POST /api/notifications/{id}/read", app.markReadHandler)
	mux.HandleFunc("POST /api/notifications/{product_id}/dismiss", app.dismissNotificationHandler)

	mux.HandleFunc("GET /api/settings/thresholds", app.getThresholdsHandler)
	mux.HandleFunc("PUT /api/settings/thresholds", app.putThresholdsHandler)
	mux.HandleFunc("DELETE /api/settings/thresholds", app.deleteThresholdsHandler)

	mux.HandleFunc("GET /api/notifier/history", app.notifierHistoryHandler)
	mux.HandleFunc("GET /healthz", app.healthHandler)
	mux.Handle("GET /debug/vars", expvar.Handler())

	return WithRequestID(WithLogging(app.Log, mux))
}
