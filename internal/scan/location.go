package scan

import (
	"context"
	"errors"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/geo"
)

// DefaultLocationTimeout bounds how long a location fix may take.
const DefaultLocationTimeout = 15 * time.Second

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrLocationUnsupported = errors.New("location is not supported on this device")
)

// LocationProvider returns the device's current position. Implementations
// must return promptly once ctx is done.
type LocationProvider interface {
	Current(ctx context.Context) (geo.Coordinates, error)
}

// LocationFunc adapts a function to LocationProvider.
type LocationFunc func(ctx context.Context) (geo.Coordinates, error)

func (f LocationFunc) Current(ctx context.Context) (geo.Coordinates, error) { return f(ctx) }

// StaticLocation always reports the same position.
type StaticLocation geo.Coordinates

func (s StaticLocation) Current(context.Context) (geo.Coordinates, error) {
	return geo.Coordinates(s), nil
}

// AcquireLocation asks provider for a fix, giving up after timeout. The
// request is abandoned, not retried, when ctx is cancelled. Any failure is a
// LocationUnavailable Failure.
func AcquireLocation(ctx context.Context, provider LocationProvider, timeout time.Duration) (geo.Coordinates, error) {
	if provider == nil {
		return geo.Coordinates{}, apperr.New(apperr.LocationUnavailable, "%v", ErrLocationUnsupported)
	}
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fix struct {
		loc geo.Coordinates
		err error
	}
	done := make(chan fix, 1)
	go func() {
		loc, err := provider.Current(ctx)
		done <- fix{loc, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return geo.Coordinates{}, apperr.New(apperr.LocationUnavailable, "%v", res.err)
		}
		if !res.loc.Valid() {
			return geo.Coordinates{}, apperr.New(apperr.LocationUnavailable, "device reported an invalid position")
		}
		return res.loc, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return geo.Coordinates{}, apperr.New(apperr.LocationUnavailable, "timed out after %s waiting for location", timeout)
		}
		return geo.Coordinates{}, apperr.New(apperr.LocationUnavailable, "location request cancelled")
	}
}
