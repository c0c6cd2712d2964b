// Package attendance guards against duplicate scans and persists attendance
// records.
package attendance

import (
	"context"
	"time"

	"qrattend/internal/geo"
)

// Status is the attendance outcome stored on a record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
)

// DayLayout formats a record's calendar day.
const DayLayout = "2006-01-02"

// Record is one immutable attendance event.
type Record struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	StudentID    string          `json:"studentId"`
	ClassID      string          `json:"classId"`
	Timestamp    time.Time       `json:"timestamp"`
	Day          string          `json:"day"`
	Status       Status          `json:"status"`
	MinutesLate  int             `json:"minutesLate"`
	ScanLocation geo.Coordinates `json:"scanLocation"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ConflictKey names the unique key an insert collided with.
type ConflictKey string

const (
	ConflictNone    ConflictKey = ""
	ConflictSession ConflictKey = "session"
	ConflictDay     ConflictKey = "day"
)

// InsertResult describes an insert-if-absent attempt. When Conflict is set,
// Record is the already stored record that won.
type InsertResult struct {
	Record   Record
	Conflict ConflictKey
}

// Store is the attendance persistence contract. Implementations must
// enforce uniqueness on (student, session) and (student, class, day).
type Store interface {
	FindBySession(ctx context.Context, studentID, sessionID string) (*Record, error)
	// FindLatestInRange returns the newest record for the student and class
	// with from <= timestamp < to, or nil.
	FindLatestInRange(ctx context.Context, studentID, classID string, from, to time.Time) (*Record, error)
	InsertIfAbsent(ctx context.Context, rec Record) (InsertResult, error)
	ListByClassDay(ctx context.Context, classID, day string) ([]Record, error)
}

// DayBounds returns the start (inclusive) and end (exclusive) of t's
// calendar day in loc, as UTC instants.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// DayOf returns t's calendar day in loc.
func DayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}
