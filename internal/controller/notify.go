package controller

import (
	"trinity/internal/metrics"
	"trinity/internal/models"
)

// tryEnqueueNotification sends notif on ch without blocking. Returns
// true if it was queued. A full channel means a slow or absent
// consumer; the controller never waits on it — losing a notification
// is better than stalling the trade loop.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		metrics.RecordBufferOverflow("notification")
		metrics.RecordBufferBacklog("notification", len(ch))
		return false
	}
}
