package server

import (
	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/metrics"
)

// watchEvents feeds every bus event into the metrics and the log until the
// bus is closed. Task lifecycle is already logged by the manager, so those
// events only go to debug.
func watchEvents(ch <-chan events.Event, m *metrics.Metrics, logger *zap.Logger) {
	for e := range ch {
		m.ObserveEvent(e)

		switch e := e.(type) {
		case events.GraphProgressEvent:
			logger.Info("graph progress",
				zap.String("graph_id", e.GraphID),
				zap.Int("completed", e.Completed),
				zap.Int("failed", e.Failed),
				zap.Int("skipped", e.Skipped),
				zap.Int("pending", e.Pending))
		case events.JulesSessionEvent:
			logger.Info("jules session",
				zap.String("session_id", e.SessionID),
				zap.String("mode", e.Mode),
				zap.String("state", e.State))
		default:
			logger.Debug("event", zap.String("type", e.EventType()), zap.String("task_id", e.TaskID()))
		}
	}
}
