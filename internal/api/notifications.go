package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartlock-io/smartlock-core/internal/notify"
)

// defaultNotificationLimit bounds notification feed responses.
const defaultNotificationLimit = 50

// handleListNotifications returns the notification feed, newest first.
// Pass ?unread=true to restrict the feed to unread entries.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultNotificationLimit)

	var (
		notifications []notify.Notification
		err           error
	)
	if r.URL.Query().Get("unread") == "true" {
		notifications, err = s.notifications.ListUnread(r.Context(), limit)
	} else {
		notifications, err = s.notifications.List(r.Context(), limit)
	}
	if err != nil {
		writeInternalError(w, "failed to list notifications")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"count":         len(notifications),
		"notifications": notifications,
	})
}

// handleMarkNotificationRead marks one notification as read.
func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	notificationID := chi.URLParam(r, "notificationID")

	if err := s.notifications.MarkRead(r.Context(), notificationID); err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			writeNotFound(w, "notification not found")
			return
		}
		writeInternalError(w, "failed to mark notification read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
