package attendance

import (
	"context"
	"log/slog"
	"math"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/geo"
	"qrattend/internal/metrics"
	"qrattend/internal/session"
)

// DefaultLateAfter is the time after issuance beyond which a scan is late.
const DefaultLateAfter = 15 * time.Minute

const notifyTimeout = 2 * time.Second

// Notifier delivers a confirmation for a newly created record. Failures
// never affect the recorded outcome.
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
}

// Scan is a validated scan ready to be recorded.
type Scan struct {
	StudentID string
	Token     session.Token
	Location  geo.Coordinates
	ScannedAt time.Time
}

// StatusFor classifies a scan relative to its token's issue time. It also
// returns the whole minutes elapsed since issuance.
func StatusFor(issuedAt, scannedAt time.Time, lateAfter time.Duration) (Status, int) {
	elapsed := scannedAt.Sub(issuedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := int(math.Floor(elapsed.Minutes()))
	if elapsed > lateAfter {
		return StatusLate, minutes
	}
	return StatusPresent, minutes
}

// Recorder computes a scan's status and writes the record.
type Recorder struct {
	store     Store
	notifier  Notifier
	lateAfter time.Duration
	loc       *time.Location
	log       *slog.Logger
}

// NewRecorder creates a recorder. notifier may be nil.
func NewRecorder(store Store, notifier Notifier, lateAfter time.Duration, loc *time.Location, log *slog.Logger) *Recorder {
	if lateAfter <= 0 {
		lateAfter = DefaultLateAfter
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, notifier: notifier, lateAfter: lateAfter, loc: loc, log: log}
}

// Record writes one record for the scan. A uniqueness conflict comes back as
// a SessionDuplicate or DailyDuplicate failure and leaves the store
// unchanged. The write is not cancelled by ctx once issued.
func (r *Recorder) Record(ctx context.Context, s Scan) (Record, error) {
	status, minutes := StatusFor(s.Token.IssuedAt, s.ScannedAt, r.lateAfter)
	rec := Record{
		SessionID:    s.Token.SessionID,
		StudentID:    s.StudentID,
		ClassID:      s.Token.ClassID,
		Timestamp:    s.ScannedAt.UTC(),
		Day:          DayOf(s.ScannedAt, r.loc),
		Status:       status,
		MinutesLate:  minutes,
		ScanLocation: s.Location,
	}

	res, err := r.store.InsertIfAbsent(context.WithoutCancel(ctx), rec)
	if err != nil {
		return Record{}, err
	}
	switch res.Conflict {
	case ConflictSession:
		r.log.InfoContext(ctx, "insert collided on session key", "student_id", s.StudentID, "session_id", rec.SessionID)
		return Record{}, apperr.Duplicate(apperr.SessionDuplicate, res.Record.Timestamp)
	case ConflictDay:
		r.log.InfoContext(ctx, "insert collided on day key", "student_id", s.StudentID, "class_id", rec.ClassID, "day", rec.Day)
		return Record{}, apperr.Duplicate(apperr.DailyDuplicate, res.Record.Timestamp)
	}

	r.log.InfoContext(ctx, "attendance recorded",
		"record_id", res.Record.ID,
		"student_id", res.Record.StudentID,
		"class_id", res.Record.ClassID,
		"status", res.Record.Status,
	)
	r.notify(ctx, res.Record)
	return res.Record, nil
}

func (r *Recorder) notify(ctx context.Context, rec Record) {
	if r.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(nctx, rec); err != nil {
		metrics.NotificationFailures.Inc()
		r.log.WarnContext(ctx, "confirmation notification failed", "record_id", rec.ID, "error", err)
	}
}
