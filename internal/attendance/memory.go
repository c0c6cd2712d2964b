package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process. It enforces the same unique keys as
// the Postgres schema and is safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	records   []Record
	bySession map[string]int
	byDay     map[string]int
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySession: make(map[string]int),
		byDay:     make(map[string]int),
		now:       time.Now,
	}
}

func sessionKey(studentID, sessionID string) string { return studentID + "\x00" + sessionID }

func dayKey(studentID, classID, day string) string {
	return studentID + "\x00" + classID + "\x00" + day
}

func (m *MemoryStore) FindBySession(_ context.Context, studentID, sessionID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.bySession[sessionKey(studentID, sessionID)]; ok {
		rec := m.records[i]
		return &rec, nil
	}
	return nil, nil
}

func (m *MemoryStore) FindLatestInRange(_ context.Context, studentID, classID string, from, to time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Record
	for i := range m.records {
		r := m.records[i]
		if r.StudentID != studentID || r.ClassID != classID {
			continue
		}
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			latest = &r
		}
	}
	return latest, nil
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, rec Record) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.bySession[sessionKey(rec.StudentID, rec.SessionID)]; ok {
		return InsertResult{Record: m.records[i], Conflict: ConflictSession}, nil
	}
	dk := dayKey(rec.StudentID, rec.ClassID, rec.Day)
	if i, ok := m.byDay[dk]; ok {
		return InsertResult{Record: m.records[i], Conflict: ConflictDay}, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = m.now().UTC()
	m.records = append(m.records, rec)
	idx := len(m.records) - 1
	m.bySession[sessionKey(rec.StudentID, rec.SessionID)] = idx
	m.byDay[dk] = idx
	return InsertResult{Record: rec}, nil
}

func (m *MemoryStore) ListByClassDay(_ context.Context, classID, day string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.ClassID == classID && r.Day == day {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
