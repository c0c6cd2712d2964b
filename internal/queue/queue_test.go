package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/geo"
	"qrattend/internal/logger"
	"qrattend/internal/session"
)

func sampleRecord() attendance.Record {
	return attendance.Record{
		ID:           "r-1",
		SessionID:    "sess-1",
		StudentID:    "S1",
		ClassID:      "C1",
		Timestamp:    time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC),
		Day:          "2026-03-02",
		Status:       attendance.StatusPresent,
		ScanLocation: geo.Coordinates{Latitude: 40.0003, Longitude: -74},
		CreatedAt:    time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC),
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "consumer closed early")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestInMemoryNotifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, NewNotifier(q).Notify(ctx, sampleRecord()))

	msg := receive(t, msgs)
	assert.Equal(t, TypeAttendanceRecorded, msg.Type)
	rec, err := RecordFrom(msg)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(), rec)

	cancel()
	_, open := <-msgs
	assert.False(t, open)
}

func TestInMemoryPublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: "x"}), context.DeadlineExceeded)
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, "test:notifications", logger.Discard())
	q.timeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mr.Lpush("test:notifications", "{not json")
	require.NoError(t, err)
	require.NoError(t, NewNotifier(q).Notify(ctx, sampleRecord()))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := receive(t, msgs)
	assert.Equal(t, TypeAttendanceRecorded, msg.Type)
	rec, err := RecordFrom(msg)
	require.NoError(t, err)
	assert.Equal(t, "S1", rec.StudentID)
	assert.Equal(t, "sess-1", rec.SessionID)
}

func TestDeliverConfirmationsKeepsRecordingPrompt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	q := NewInMemory(2)
	done := make(chan error, 1)
	go func() { done <- DeliverConfirmations(ctx, q, slog.New(slog.NewTextHandler(&buf, nil))) }()

	store := attendance.NewMemoryStore()
	rec := attendance.NewRecorder(store, NewNotifier(q), 0, time.UTC, logger.Discard())
	issued := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		start := time.Now()
		_, err := rec.Record(ctx, attendance.Scan{
			StudentID: fmt.Sprintf("S%d", i),
			Token:     session.Token{ClassID: "C1", SessionID: "sess-1", IssuedAt: issued},
			ScannedAt: issued.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second, "scan %d blocked on a full queue", i)
	}

	require.Eventually(t, func() bool { return len(q.ch) == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("delivery did not stop after cancel")
	}
	assert.Contains(t, buf.String(), "attendance confirmed")
	assert.Contains(t, buf.String(), "student_id=S5")
}
