package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, Nop{}, b}

	e := NewEvent(ActionAllocated, "allocation", "alloc-1", time.Now())
	sink.Record(context.Background(), e)

	assert.Equal(t, []Action{ActionAllocated}, a.Actions())
	assert.Equal(t, []Action{ActionAllocated}, b.Actions())
	assert.NotEmpty(t, a.Events()[0].ID)
}

func TestLogSink_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	sink := NewLogSink(logrus.NewEntry(logger))
	e := NewEvent(ActionCancelled, "allocation", "alloc-9", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	e.ActorID = "coordinator-1"
	e.Payload["reason"] = "road closed"
	sink.Record(context.Background(), e)

	out := buf.String()
	assert.Contains(t, out, `"action":"allocation.cancelled"`)
	assert.Contains(t, out, `"entity_id":"alloc-9"`)
	assert.Contains(t, out, `"p_reason":"road closed"`)
}

// TestRedisSink_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisSink_Integration(t *testing.T) {
	sink, err := NewRedisSink("redis://localhost:6379/0", "relief:audit:test", nil)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	sink.client.Del(ctx, sink.stream)

	sink.Record(ctx, NewEvent(ActionDelivered, "allocation", "alloc-2", time.Now()))

	n, err := sink.client.XLen(ctx, sink.stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
