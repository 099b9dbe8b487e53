package risk

import (
	"encoding/json"

	"trinity/internal/metrics"
	"trinity/internal/models"
)

// tryEnqueueNotification sends notif on ch without blocking, mirroring
// the controller package's helper of the same shape.
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

func encodePositions(positions []models.Position) ([]byte, error) {
	return json.Marshal(positions)
}
