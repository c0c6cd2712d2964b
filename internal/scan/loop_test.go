package scan

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/classroom"
	"qrattend/internal/geo"
	"qrattend/internal/logger"
	"qrattend/internal/session"
)

// blankFrames yields the same non-nil frame forever.
type blankFrames struct{}

func (blankFrames) Next(context.Context) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

// scriptedDecoder returns payloads in order, repeating the last one.
type scriptedDecoder struct {
	mu       sync.Mutex
	payloads []string
	calls    int
	err      error
}

func (d *scriptedDecoder) Decode(image.Image) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	i := d.calls - 1
	if i >= len(d.payloads) {
		i = len(d.payloads) - 1
	}
	return d.payloads[i], nil
}

func (d *scriptedDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// blockingDirectory holds GetClass until released.
type blockingDirectory struct {
	classroom.Directory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDirectory) GetClass(ctx context.Context, id string) (classroom.Class, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Directory.GetClass(ctx, id)
}

type results struct {
	mu   sync.Mutex
	outs []Outcome
	ch   chan Outcome
}

func newResults() *results { return &results{ch: make(chan Outcome, 64)} }

func (r *results) add(out Outcome, _ error) {
	r.mu.Lock()
	r.outs = append(r.outs, out)
	r.mu.Unlock()
	r.ch <- out
}

func (r *results) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case out := <-r.ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a scan result")
		return Outcome{}
	}
}

func (r *results) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outs)
}

func fastLoop(fx *fixture, frames FrameSource, dec FrameDecoder, cfg LoopConfig) (*Loop, *results) {
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 2 * time.Millisecond
	}
	res := newResults()
	l := NewLoop(fx.pipeline, frames, dec, StaticLocation(nearby), cfg, logger.Discard())
	l.Now = fx.clock
	l.OnResult = res.add
	return l, res
}

func TestLoopRecordsAndStopsOnSuccess(t *testing.T) {
	fx := newFixture(t, defaultWindows())
	issued := fx.issue(t)
	fx.at(5 * time.Second)

	l, res := fastLoop(fx, blankFrames{}, &scriptedDecoder{payloads: []string{issued.Payload}}, LoopConfig{StopOnSuccess: true})
	require.NoError(t, l.Run(context.Background(), Identity{StudentID: "S1"}))

	require.Equal(t, 1, res.count())
	assert.Equal(t, StateSuccess, res.outs[0].State)
	assert.Equal(t, 1, fx.store.Len())
}

func TestLoopSingleFlight(t *testing.T) {
	fx := newFixture(t, defaultWindows())
	issued := fx.issue(t)
	fx.at(5 * time.Second)

	dir := &blockingDirectory{Directory: fx.classes, entered: make(chan struct{}, 1), release: make(chan struct{})}
	log := logger.Discard()
	fx.pipeline = NewPipeline(dir, attendance.NewGuard(fx.store, 0, time.UTC),
		attendance.NewRecorder(fx.store, nil, 0, time.UTC, log), defaultWindows(), log)
	fx.pipeline.Now = fx.clock

	dec := &scriptedDecoder{payloads: []string{issued.Payload}}
	l, res := fastLoop(fx, blankFrames{}, dec, LoopConfig{StopOnSuccess: true})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background(), Identity{StudentID: "S1"}) }()

	<-dir.entered
	// plenty of ticks elapse while the first run is blocked
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dec.Calls(), "frames are not decoded while a pipeline is in flight")

	close(dir.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, res.count())
}

func TestLoopCooldownAfterFailure(t *testing.T) {
	fx := newFixture(t, defaultWindows())
	dec := &scriptedDecoder{payloads: []string{"not a token"}}
	l, res := fastLoop(fx, blankFrames{}, dec, LoopConfig{Cooldown: 3 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, Identity{StudentID: "S1"}) }()

	out := res.wait(t)
	assert.Equal(t, apperr.InvalidQRFormat, out.Reason)

	// the clock is frozen, so the cooldown never elapses
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dec.Calls())

	fx.at(3*time.Second + time.Millisecond)
	out = res.wait(t)
	assert.Equal(t, apperr.InvalidQRFormat, out.Reason)

	cancel()
	require.NoError(t, <-done)
}

func TestLoopUnreadableCodeCoolsDown(t *testing.T) {
	fx := newFixture(t, defaultWindows())
	dec := &scriptedDecoder{err: errors.New("checksum mismatch")}
	l, res := fastLoop(fx, blankFrames{}, dec, LoopConfig{Cooldown: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, Identity{StudentID: "S1"}) }()

	out := res.wait(t)
	assert.Equal(t, apperr.InvalidQRFormat, out.Reason)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dec.Calls())

	cancel()
	require.NoError(t, <-done)
}

func TestLoopSkipsFramesWithoutCode(t *testing.T) {
	fx := newFixture(t, defaultWindows())
	dec := &scriptedDecoder{err: ErrNoCode}
	l, res := fastLoop(fx, blankFrames{}, dec, LoopConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Run(ctx, Identity{StudentID: "S1"}))

	assert.Greater(t, dec.Calls(), 1)
	assert.Equal(t, 0, res.count())
}

func TestLoopCancelLetsInFlightWriteFinish(t *testing.T) {
	fx := newFixture(t, defaultWindows())
	issued := fx.issue(t)
	fx.at(5 * time.Second)

	dir := &blockingDirectory{Directory: fx.classes, entered: make(chan struct{}, 1), release: make(chan struct{})}
	log := logger.Discard()
	fx.pipeline = NewPipeline(dir, attendance.NewGuard(fx.store, 0, time.UTC),
		attendance.NewRecorder(fx.store, nil, 0, time.UTC, log), defaultWindows(), log)
	fx.pipeline.Now = fx.clock

	l, res := fastLoop(fx, blankFrames{}, &scriptedDecoder{payloads: []string{issued.Payload}}, LoopConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, Identity{StudentID: "S1"}) }()

	<-dir.entered
	cancel()
	close(dir.release)

	require.NoError(t, <-done)
	require.Equal(t, 1, res.count())
	assert.Equal(t, StateSuccess, res.outs[0].State)
	assert.Equal(t, 1, fx.store.Len())
}

func TestLoopLocationFailures(t *testing.T) {
	fx := newFixture(t, defaultWindows())

	t.Run("permission denied", func(t *testing.T) {
		res := newResults()
		l := NewLoop(fx.pipeline, blankFrames{}, &scriptedDecoder{payloads: []string{"x"}},
			LocationFunc(func(context.Context) (geo.Coordinates, error) { return geo.Coordinates{}, ErrPermissionDenied }),
			LoopConfig{}, logger.Discard())
		l.OnResult = res.add

		err := l.Run(context.Background(), Identity{StudentID: "S1"})
		f, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.LocationUnavailable, f.Reason)
		assert.Contains(t, f.Message, "permission denied")
		assert.Equal(t, 1, res.count())
	})

	t.Run("timeout", func(t *testing.T) {
		var abandoned atomic.Bool
		slow := LocationFunc(func(ctx context.Context) (geo.Coordinates, error) {
			<-ctx.Done()
			abandoned.Store(true)
			return geo.Coordinates{}, ctx.Err()
		})
		l := NewLoop(fx.pipeline, blankFrames{}, nil, slow, LoopConfig{LocationTimeout: 10 * time.Millisecond}, logger.Discard())

		err := l.Run(context.Background(), Identity{StudentID: "S1"})
		assert.Equal(t, apperr.LocationUnavailable, apperr.ReasonOf(err))
		assert.Eventually(t, abandoned.Load, time.Second, 5*time.Millisecond)
	})
}

func TestAcquireLocation(t *testing.T) {
	loc, err := AcquireLocation(context.Background(), StaticLocation(nearby), time.Second)
	require.NoError(t, err)
	assert.Equal(t, nearby, loc)

	_, err = AcquireLocation(context.Background(), nil, time.Second)
	assert.Equal(t, apperr.LocationUnavailable, apperr.ReasonOf(err))

	_, err = AcquireLocation(context.Background(), StaticLocation(geo.Coordinates{Latitude: 100}), time.Second)
	assert.Equal(t, apperr.LocationUnavailable, apperr.ReasonOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := LocationFunc(func(ctx context.Context) (geo.Coordinates, error) {
		<-ctx.Done()
		return geo.Coordinates{}, ctx.Err()
	})
	_, err = AcquireLocation(ctx, blocked, time.Minute)
	assert.Equal(t, apperr.LocationUnavailable, apperr.ReasonOf(err))
}

func TestQRDecoderReadsIssuedCode(t *testing.T) {
	payload, err := session.Encode(session.Token{
		ClassID:        "C1",
		SessionID:      "6c1d2b0e-7a55-4f7e-9b1c-2d0f8e3a4b5c",
		IssuedAt:       t0,
		IssuerLocation: classroomAt,
	})
	require.NoError(t, err)

	pngBytes, err := session.NewQRCodeEncoder(512).Encode(payload)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(pngBytes))
	require.NoError(t, err)

	text, err := NewQRDecoder().Decode(img)
	require.NoError(t, err)
	assert.Equal(t, payload, text)

	tok, err := session.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "C1", tok.ClassID)
}

func TestQRDecoderNoCode(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for x := 0; x < 200; x++ {
		for y := 0; y < 200; y++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	_, err := NewQRDecoder().Decode(img)
	assert.ErrorIs(t, err, ErrNoCode)

	_, err = NewQRDecoder().Decode(nil)
	assert.ErrorIs(t, err, ErrNoCode)
}
