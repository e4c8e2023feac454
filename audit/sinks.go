package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes events to a logrus logger at info level.
type LogSink struct {
	Log *logrus.Entry
}

func NewLogSink(log *logrus.Entry) *LogSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSink{Log: log.WithField("component", "audit")}
}

func (s *LogSink) Record(_ context.Context, e Event) {
	fields := logrus.Fields{
		"event_id":  e.ID,
		"action":    string(e.Action),
		"entity":    e.Entity,
		"entity_id": e.EntityID,
		"actor_id":  e.ActorID,
		"at":        e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.RequestID != "" {
		fields["request_id"] = e.RequestID
	}
	for k, v := range e.Payload {
		fields["p_"+k] = v
	}
	s.Log.WithFields(fields).Info("audit event")
}

// =============================================================================
// REDIS SINK
// =============================================================================

// RedisSink appends events to a Redis stream. The audit service consumes the
// stream; this process never reads it back.
type RedisSink struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *logrus.Entry
}

// NewRedisSink parses a redis:// URL and returns a sink writing to stream.
func NewRedisSink(url, stream string, log *logrus.Entry) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisSinkWithClient(redis.NewClient(opts), stream, log), nil
}

func NewRedisSinkWithClient(client redis.UniversalClient, stream string, log *logrus.Entry) *RedisSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if stream == "" {
		stream = "relief:audit"
	}
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  100000,
		timeout: 500 * time.Millisecond,
		log:     log.WithField("component", "audit.redis"),
	}
}

func (s *RedisSink) Record(ctx context.Context, e Event) {
	// Detach from the caller's cancellation; the write is bounded by timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	payload, _ := json.Marshal(e.Payload)
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":         e.ID,
			"at":         e.At.UTC().Format(time.RFC3339Nano),
			"action":     string(e.Action),
			"actor_id":   e.ActorID,
			"entity":     e.Entity,
			"entity_id":  e.EntityID,
			"request_id": e.RequestID,
			"payload":    string(payload),
		},
	}).Err()
	if err != nil {
		s.log.WithError(err).WithField("event_id", e.ID).Warn("dropping audit event")
	}
}

// Ping checks connectivity at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }
