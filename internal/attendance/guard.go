package attendance

import (
	"context"
	"time"

	"qrattend/internal/apperr"
)

// DefaultCooldown is how long after a recorded scan the same student is
// blocked from recording again for that class.
const DefaultCooldown = 10 * time.Minute

// Guard runs the three duplicate checks that precede a write. They are a
// fast path for precise messages; the store's unique keys stay the source
// of truth.
type Guard struct {
	store    Store
	cooldown time.Duration
	loc      *time.Location
}

// NewGuard creates a guard; loc is the institution's timezone for the
// daily cap.
func NewGuard(store Store, cooldown time.Duration, loc *time.Location) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{store: store, cooldown: cooldown, loc: loc}
}

// Check returns nil when a new record may be written, a duplicate Failure
// when one of the checks matches, or an ErrStoreUnavailable error.
// Checks run in order: exact session, cooldown window, same day.
func (g *Guard) Check(ctx context.Context, studentID, classID, sessionID string, now time.Time) error {
	existing, err := g.store.FindBySession(ctx, studentID, sessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.Duplicate(apperr.SessionDuplicate, existing.Timestamp)
	}

	// the window extends past now too, so a record stamped by a client
	// with a fast clock still counts as recent
	existing, err = g.store.FindLatestInRange(ctx, studentID, classID, now.Add(-g.cooldown), now.Add(g.cooldown))
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.Duplicate(apperr.CooldownDuplicate, existing.Timestamp)
	}

	start, end := DayBounds(now, g.loc)
	existing, err = g.store.FindLatestInRange(ctx, studentID, classID, start, end)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.Duplicate(apperr.DailyDuplicate, existing.Timestamp)
	}
	return nil
}
