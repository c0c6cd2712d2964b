// Package scan runs the student-side verification pipeline: location,
// payload decode, expiry, geofence, duplicate checks and recording.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/classroom"
	"qrattend/internal/geo"
	"qrattend/internal/metrics"
	"qrattend/internal/session"
)

// State is a pipeline state.
type State string

const (
	StateIdle               State = "idle"
	StateAcquiringLocation  State = "acquiring_location"
	StateDecoding           State = "decoding"
	StateValidatingExpiry   State = "validating_expiry"
	StateValidatingGeofence State = "validating_geofence"
	StateCheckingDuplicates State = "checking_duplicates"
	StateRecording          State = "recording"
	StateSuccess            State = "success"
	StateFailed             State = "failed"
)

// Terminal reports whether s ends a pipeline run.
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// Identity is the authenticated student performing the scan.
type Identity struct {
	StudentID string
	Name      string
}

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	State   State
	Reason  apperr.Reason
	Failure *apperr.Failure
	Record  *attendance.Record
	Token   *session.Token
}

// Observer is told about every state transition.
type Observer func(from, to State, reason apperr.Reason)

// Windows are the timing rules applied to a scan.
type Windows struct {
	Validity time.Duration
	Grace    time.Duration
}

// Pipeline validates and records a single scanned payload.
type Pipeline struct {
	classes  classroom.Directory
	guard    *attendance.Guard
	recorder *attendance.Recorder
	windows  Windows
	log      *slog.Logger

	Now      func() time.Time
	Observer Observer
}

// NewPipeline wires a pipeline. Zero windows fall back to the defaults.
func NewPipeline(classes classroom.Directory, guard *attendance.Guard, recorder *attendance.Recorder, windows Windows, log *slog.Logger) *Pipeline {
	if windows.Validity <= 0 {
		windows.Validity = session.DefaultValidityWindow
	}
	if windows.Grace < 0 {
		windows.Grace = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		classes:  classes,
		guard:    guard,
		recorder: recorder,
		windows:  windows,
		log:      log,
		Now:      time.Now,
	}
}

type run struct {
	p     *Pipeline
	state State
}

func (r *run) to(next State, reason apperr.Reason) {
	if r.p.Observer != nil {
		r.p.Observer(r.state, next, reason)
	}
	r.state = next
}

func (r *run) fail(f *apperr.Failure, tok *session.Token) Outcome {
	r.to(StateFailed, f.Reason)
	return Outcome{State: StateFailed, Reason: f.Reason, Failure: f, Token: tok}
}

// Acquire obtains the device location, transitioning Idle to
// AcquiringLocation. Failures are LocationUnavailable.
func (p *Pipeline) Acquire(ctx context.Context, provider LocationProvider, timeout time.Duration) (geo.Coordinates, *apperr.Failure) {
	r := &run{p: p, state: StateIdle}
	r.to(StateAcquiringLocation, "")
	loc, err := AcquireLocation(ctx, provider, timeout)
	if err != nil {
		f, _ := apperr.As(err)
		r.to(StateFailed, apperr.LocationUnavailable)
		return geo.Coordinates{}, f
	}
	return loc, nil
}

// Process runs Decoding through Recording for one payload scanned at the
// given location. Expected rejections are reported in the Outcome with a nil
// error; only store failures return an error, wrapping
// apperr.ErrStoreUnavailable.
func (p *Pipeline) Process(ctx context.Context, who Identity, payload string, location geo.Coordinates) (Outcome, error) {
	if who.StudentID == "" {
		return Outcome{State: StateFailed}, errors.New("scan requires an authenticated student")
	}
	started := time.Now()
	out, err := p.process(ctx, who, payload, location)
	metrics.ObserveScan(string(out.Reason), started)

	attrs := []any{"student_id", who.StudentID, "state", out.State}
	if out.Token != nil {
		attrs = append(attrs, "class_id", out.Token.ClassID, "session_id", out.Token.SessionID)
	}
	switch {
	case err != nil:
		p.log.ErrorContext(ctx, "scan failed on store", append(attrs, "error", err)...)
	case out.State == StateFailed:
		p.log.InfoContext(ctx, "scan rejected", append(attrs, "reason", out.Reason)...)
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, who Identity, payload string, location geo.Coordinates) (Outcome, error) {
	r := &run{p: p, state: StateAcquiringLocation}

	if !location.Valid() {
		return r.fail(apperr.New(apperr.LocationUnavailable, "device location is not a valid coordinate"), nil), nil
	}

	r.to(StateDecoding, "")
	tok, err := session.Decode(payload)
	if err != nil {
		f, ok := apperr.As(err)
		if !ok {
			f = apperr.New(apperr.MalformedToken, "%v", err)
		}
		return r.fail(apperr.Wrap(apperr.InvalidQRFormat, f), nil), nil
	}

	r.to(StateValidatingExpiry, "")
	now := p.Now()
	if session.IsExpired(tok.IssuedAt, now, p.windows.Validity, p.windows.Grace) {
		return r.fail(apperr.New(apperr.ExpiredSession, "session expired at %s, ask for a fresh code",
			tok.IssuedAt.Add(p.windows.Validity+p.windows.Grace).UTC().Format(time.RFC3339)), &tok), nil
	}

	r.to(StateValidatingGeofence, "")
	class, err := p.classes.GetClass(ctx, tok.ClassID)
	if err != nil {
		if f, ok := apperr.As(err); ok {
			return r.fail(f, &tok), nil
		}
		return r.storeFailure(err, &tok)
	}
	if err := class.Validate(); err != nil {
		f, _ := apperr.As(err)
		r.p.log.WarnContext(ctx, "class cannot anchor a geofence", "class_id", tok.ClassID, "error", err)
		return r.fail(f, &tok), nil
	}
	if !geo.WithinRadius(location, *class.Location, class.RadiusMeters) {
		d := geo.Distance(location, *class.Location)
		return r.fail(apperr.New(apperr.OutOfGeofence, "you are %.0fm from the classroom, allowed radius is %.0fm",
			d, class.RadiusMeters), &tok), nil
	}

	r.to(StateCheckingDuplicates, "")
	if err := p.guard.Check(ctx, who.StudentID, tok.ClassID, tok.SessionID, now); err != nil {
		if f, ok := apperr.As(err); ok {
			return r.fail(f, &tok), nil
		}
		return r.storeFailure(err, &tok)
	}

	r.to(StateRecording, "")
	rec, err := p.recorder.Record(ctx, attendance.Scan{
		StudentID: who.StudentID,
		Token:     tok,
		Location:  location,
		ScannedAt: now,
	})
	if err != nil {
		if f, ok := apperr.As(err); ok {
			return r.fail(f, &tok), nil
		}
		return r.storeFailure(err, &tok)
	}

	r.to(StateSuccess, "")
	return Outcome{State: StateSuccess, Record: &rec, Token: &tok}, nil
}

func (r *run) storeFailure(err error, tok *session.Token) (Outcome, error) {
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
	}
	out := r.fail(apperr.New(apperr.StoreUnavailable, "attendance service unavailable, please retry"), tok)
	return out, err
}
