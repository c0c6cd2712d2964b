package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/apperr"
)

// Repository persists attendance records in Postgres. The unique indexes
// created by store.Migrate back the insert-if-absent contract.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, student_id, class_id, scanned_at, local_day, status, minutes_late, scan_lat, scan_lon, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.ClassID, &rec.Timestamp, &rec.Day,
		&rec.Status, &rec.MinutesLate, &rec.ScanLocation.Latitude, &rec.ScanLocation.Longitude, &rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrStoreUnavailable, op, err)
}

// FindBySession returns the record for a student and session, or nil.
func (r *Repository) FindBySession(ctx context.Context, studentID, sessionID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("find by session", err)
	}
	return &rec, nil
}

// FindLatestInRange returns the newest record in [from, to), or nil.
func (r *Repository) FindLatestInRange(ctx context.Context, studentID, classID string, from, to time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND class_id = $2 AND scanned_at >= $3 AND scanned_at < $4
		ORDER BY scanned_at DESC
		LIMIT 1
	`, studentID, classID, from.UTC(), to.UTC())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("find latest", err)
	}
	return &rec, nil
}

// InsertIfAbsent writes rec unless either unique key is already taken, in
// which case the existing record is returned with the colliding key.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (InsertResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, class_id, scanned_at, local_day, status, minutes_late, scan_lat, scan_lon)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.StudentID, rec.ClassID, rec.Timestamp.UTC(), rec.Day,
		string(rec.Status), rec.MinutesLate, rec.ScanLocation.Latitude, rec.ScanLocation.Longitude)

	err := row.Scan(&rec.CreatedAt)
	if err == nil {
		rec.CreatedAt = rec.CreatedAt.UTC()
		return InsertResult{Record: rec}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return InsertResult{}, storeErr("insert", err)
	}

	// nothing inserted: find which key won
	existing, err := r.FindBySession(ctx, rec.StudentID, rec.SessionID)
	if err != nil {
		return InsertResult{}, err
	}
	if existing != nil {
		return InsertResult{Record: *existing, Conflict: ConflictSession}, nil
	}
	row = r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND class_id = $2 AND local_day = $3
	`, rec.StudentID, rec.ClassID, rec.Day)
	dup, err := scanRecord(row)
	if err != nil {
		return InsertResult{}, storeErr("resolve conflict", err)
	}
	return InsertResult{Record: dup, Conflict: ConflictDay}, nil
}

// ListByClassDay returns a class's records for one calendar day.
func (r *Repository) ListByClassDay(ctx context.Context, classID, day string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE class_id = $1 AND local_day = $2
		ORDER BY scanned_at
	`, classID, day)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("list scan", err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return res, nil
}
