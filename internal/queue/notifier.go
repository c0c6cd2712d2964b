package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"qrattend/internal/attendance"
)

// TypeAttendanceRecorded is published once per stored attendance record.
const TypeAttendanceRecorded = "attendance.recorded"

// Notifier publishes confirmation messages for recorded attendance.
type Notifier struct {
	q Queue
}

func NewNotifier(q Queue) *Notifier {
	return &Notifier{q: q}
}

func (n *Notifier) Notify(ctx context.Context, rec attendance.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return n.q.Publish(ctx, Message{Type: TypeAttendanceRecorded, Body: body})
}

// RecordFrom decodes the body of an attendance.recorded message.
func RecordFrom(msg Message) (attendance.Record, error) {
	var rec attendance.Record
	err := json.Unmarshal(msg.Body, &rec)
	return rec, err
}

// DeliverConfirmations drains q until ctx ends, logging one confirmation per
// attendance.recorded message. It returns once the consumer channel closes.
func DeliverConfirmations(ctx context.Context, q Queue, log *slog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		if msg.Type != TypeAttendanceRecorded {
			log.Debug("skipping message", "type", msg.Type)
			continue
		}
		rec, err := RecordFrom(msg)
		if err != nil {
			log.Warn("bad attendance message", "error", err)
			continue
		}
		log.Info("attendance confirmed",
			"record_id", rec.ID,
			"student_id", rec.StudentID,
			"class_id", rec.ClassID,
			"session_id", rec.SessionID,
			"status", rec.Status,
			"minutes_late", rec.MinutesLate,
			"at", rec.Timestamp,
		)
	}
	return nil
}
