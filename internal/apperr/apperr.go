// Package apperr defines the failure reasons produced while issuing and
// verifying attendance sessions.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Reason identifies why an attendance operation did not succeed.
type Reason string

const (
	LocationUnavailable Reason = "location_unavailable"
	InvalidQRFormat     Reason = "invalid_qr_format"
	MalformedToken      Reason = "malformed_token"
	IncompleteToken     Reason = "incomplete_token"
	ExpiredSession      Reason = "expired_session"
	OutOfGeofence       Reason = "out_of_geofence"
	SessionDuplicate    Reason = "session_duplicate"
	CooldownDuplicate   Reason = "cooldown_duplicate"
	DailyDuplicate      Reason = "daily_duplicate"
	IncompleteClassData Reason = "incomplete_class_data"
	InvalidLocation     Reason = "invalid_location"
	ClassNotFound       Reason = "class_not_found"
	StoreUnavailable    Reason = "store_unavailable"
)

// ErrStoreUnavailable wraps persistence failures. It is the only condition
// that propagates as a plain error instead of a Failure.
var ErrStoreUnavailable = errors.New("attendance store unavailable")

// Failure is an expected, user-presentable rejection.
type Failure struct {
	Reason  Reason
	Message string
	// Cause is set when the failure wraps a lower-level reason, e.g. an
	// InvalidQRFormat caused by MalformedToken.
	Cause Reason
	// ExistingAt is the timestamp of the prior record for duplicate reasons.
	ExistingAt *time.Time
}

func (f *Failure) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("%s (%s): %s", f.Reason, f.Cause, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// New creates a failure.
func New(reason Reason, format string, args ...any) *Failure {
	return &Failure{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Duplicate creates a duplicate failure that echoes the prior record's time.
func Duplicate(reason Reason, existingAt time.Time) *Failure {
	at := existingAt.UTC()
	var msg string
	switch reason {
	case SessionDuplicate:
		msg = "attendance already recorded for this session at " + at.Format(time.RFC3339)
	case CooldownDuplicate:
		msg = "attendance for this class was recorded recently at " + at.Format(time.RFC3339)
	default:
		msg = "attendance for this class was already recorded today at " + at.Format(time.RFC3339)
	}
	return &Failure{Reason: reason, Message: msg, ExistingAt: &at}
}

// Wrap builds a failure of the given reason caused by another failure.
func Wrap(reason Reason, cause *Failure) *Failure {
	return &Failure{Reason: reason, Message: cause.Message, Cause: cause.Reason, ExistingAt: cause.ExistingAt}
}

// As extracts a Failure from err.
func As(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ReasonOf returns the reason for err, mapping store failures too.
// It returns the empty reason for nil.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.Reason
	}
	// anything else escaped the validators and is treated as a store fault
	return StoreUnavailable
}

// HTTPStatus maps a reason to the status code the API responds with.
func HTTPStatus(reason Reason) int {
	switch reason {
	case MalformedToken, IncompleteToken, InvalidQRFormat, InvalidLocation:
		return http.StatusBadRequest
	case OutOfGeofence:
		return http.StatusForbidden
	case ClassNotFound:
		return http.StatusNotFound
	case SessionDuplicate, CooldownDuplicate, DailyDuplicate:
		return http.StatusConflict
	case ExpiredSession:
		return http.StatusGone
	case IncompleteClassData, LocationUnavailable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// Retryable reports whether the user can recover by simply trying again.
func Retryable(reason Reason) bool {
	switch reason {
	case LocationUnavailable, InvalidQRFormat, MalformedToken, IncompleteToken, StoreUnavailable:
		return true
	}
	return false
}
