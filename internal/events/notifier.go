package events

import (
	"context"
	"fmt"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

type appender interface {
	Append(ctx context.Context, env Envelope) error
}

// OutboxNotifier queues patient notifications in the outbox. The deliverer
// ships them later, so a slow transport never holds up a booking request.
type OutboxNotifier struct {
	outbox appender
	logger *logging.Logger
}

func NewOutboxNotifier(outbox *OutboxStore, logger *logging.Logger) *OutboxNotifier {
	if outbox == nil {
		panic("events: outbox store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OutboxNotifier{outbox: outbox, logger: logger}
}

func (n *OutboxNotifier) Notify(ctx context.Context, patientID string, event booking.Event) error {
	env, err := NewEnvelope(patientID, event)
	if err != nil {
		return err
	}
	if err := n.outbox.Append(ctx, env); err != nil {
		return fmt.Errorf("events: queue %s notification: %w", event.Type, err)
	}
	n.logger.Debug("notification queued", "event_id", env.EventID, "type", env.EventType, "patient_id", patientID)
	return nil
}

// LogNotifier only logs events. It backs local runs without a database.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, patientID string, event booking.Event) error {
	n.logger.Info("patient notification",
		"type", string(event.Type),
		"patient_id", patientID,
		"hold_id", event.HoldID,
		"appointment_id", event.AppointmentID,
		"slot", event.Slot.Key().String(),
	)
	return nil
}

var (
	_ booking.Notifier = (*OutboxNotifier)(nil)
	_ booking.Notifier = (*LogNotifier)(nil)
)
