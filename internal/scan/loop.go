package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/geo"
	"qrattend/internal/metrics"
)

const (
	DefaultSampleInterval = 350 * time.Millisecond
	DefaultCooldown       = 3 * time.Second
)

// LoopConfig tunes the camera loop.
type LoopConfig struct {
	// SampleInterval is the time between decode attempts.
	SampleInterval time.Duration
	// Cooldown suppresses new attempts after a terminal outcome so the same
	// still-visible code is not processed again immediately.
	Cooldown        time.Duration
	LocationTimeout time.Duration
	// StopOnSuccess ends Run after the first recorded attendance.
	StopOnSuccess bool
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.LocationTimeout <= 0 {
		c.LocationTimeout = DefaultLocationTimeout
	}
	return c
}

// ResultFunc receives every terminal outcome. err is non-nil only for store
// failures.
type ResultFunc func(out Outcome, err error)

// Loop samples frames at a bounded rate and feeds decoded payloads to the
// pipeline, one at a time.
type Loop struct {
	pipeline *Pipeline
	frames   FrameSource
	decoder  FrameDecoder
	location LocationProvider
	cfg      LoopConfig
	log      *slog.Logger

	OnResult ResultFunc
	Now      func() time.Time
}

// NewLoop creates a camera loop.
func NewLoop(p *Pipeline, frames FrameSource, decoder FrameDecoder, location LocationProvider, cfg LoopConfig, log *slog.Logger) *Loop {
	if decoder == nil {
		decoder = NewQRDecoder()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		pipeline: p,
		frames:   frames,
		decoder:  decoder,
		location: location,
		cfg:      cfg.withDefaults(),
		log:      log,
		Now:      time.Now,
	}
}

type pipelineResult struct {
	out Outcome
	err error
}

// Run acquires the device location and then scans until ctx is cancelled,
// or until the first success when StopOnSuccess is set. A location failure
// ends Run with that Failure. Cancelling ctx abandons a pending location
// request, but a pipeline already in flight is allowed to finish and its
// result is still delivered.
func (l *Loop) Run(ctx context.Context, who Identity) error {
	loc, f := l.pipeline.Acquire(ctx, l.location, l.cfg.LocationTimeout)
	if f != nil {
		metrics.ObserveScan(string(apperr.LocationUnavailable), l.Now())
		l.deliver(Outcome{State: StateFailed, Reason: f.Reason, Failure: f}, nil)
		return f
	}
	l.log.InfoContext(ctx, "scanner armed", "student_id", who.StudentID, "latitude", loc.Latitude, "longitude", loc.Longitude)

	ticker := time.NewTicker(l.cfg.SampleInterval)
	defer ticker.Stop()

	var (
		inFlight      bool
		cooldownUntil time.Time
		results       = make(chan pipelineResult, 1)
	)

	for {
		select {
		case <-ctx.Done():
			if inFlight {
				res := <-results
				l.deliver(res.out, res.err)
			}
			l.log.InfoContext(context.WithoutCancel(ctx), "scanner stopped", "student_id", who.StudentID)
			return nil

		case res := <-results:
			inFlight = false
			cooldownUntil = l.Now().Add(l.cfg.Cooldown)
			l.deliver(res.out, res.err)
			if l.cfg.StopOnSuccess && res.out.State == StateSuccess {
				return nil
			}

		case <-ticker.C:
			if inFlight || l.Now().Before(cooldownUntil) {
				continue
			}
			payload, ok := l.sample(ctx)
			if !ok {
				continue
			}
			if payload == "" {
				cooldownUntil = l.Now().Add(l.cfg.Cooldown)
				continue
			}
			inFlight = true
			go l.process(ctx, who, payload, loc, results)
		}
	}
}

// sample grabs and decodes one frame. It returns ok=false when there is
// nothing to do and an empty payload when a code was seen but unreadable.
func (l *Loop) sample(ctx context.Context) (string, bool) {
	img, err := l.frames.Next(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.log.WarnContext(ctx, "frame capture failed", "error", err)
		}
		return "", false
	}
	if img == nil {
		return "", false
	}
	payload, err := l.decoder.Decode(img)
	if errors.Is(err, ErrNoCode) {
		return "", false
	}
	if err != nil {
		f := apperr.New(apperr.InvalidQRFormat, "could not read the QR code, try again")
		metrics.ObserveScan(string(f.Reason), l.Now())
		l.deliver(Outcome{State: StateFailed, Reason: f.Reason, Failure: f}, nil)
		return "", true
	}
	return payload, true
}

func (l *Loop) process(ctx context.Context, who Identity, payload string, loc geo.Coordinates, results chan<- pipelineResult) {
	out, err := l.pipeline.Process(context.WithoutCancel(ctx), who, payload, loc)
	results <- pipelineResult{out: out, err: err}
}

func (l *Loop) deliver(out Outcome, err error) {
	if l.OnResult != nil {
		l.OnResult(out, err)
	}
}
