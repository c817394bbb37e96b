package events

import (
	"context"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"

	"go.uber.org/zap"
)

// RoomMetrics is the slice of the monitoring collector fed from the event
// stream. A nil implementation is allowed.
type RoomMetrics interface {
	RecordRoomCreated()
	RecordRoomClosed()
}

// LogPublisher writes domain events to the structured log and keeps the
// room gauges current. Events arrive in emission order, after persist.
type LogPublisher struct {
	metrics RoomMetrics
	logger  *zap.SugaredLogger
}

func NewLogPublisher(metrics RoomMetrics, logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{metrics: metrics, logger: logger}
}

var _ ports.EventPublisher = (*LogPublisher)(nil)

func (p *LogPublisher) Publish(ctx context.Context, events []domain.Event) {
	for _, event := range events {
		p.logger.Infow("domain event",
			"type", event.Type,
			"room_id", event.RoomID,
			"occurred_on", event.OccurredOn,
		)

		if p.metrics == nil {
			continue
		}
		switch event.Type {
		case domain.EventRoomCreated:
			p.metrics.RecordRoomCreated()
		case domain.EventRoomClosed:
			p.metrics.RecordRoomClosed()
		}
	}
}
