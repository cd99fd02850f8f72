package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one ride change event.
type Handler func(ctx context.Context, ev models.RideEvent) models.MatchOutcome

// LocationTracker records the latest known position of a driver.
type LocationTracker interface {
	Track(ctx context.Context, d models.DriverCandidate) error
}

type loop struct {
	reader     messageReader
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func newLoop(brokers []string, topic, group string, logger *slog.Logger) loop {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return loop{reader: r, logger: logger.With("topic", topic), minBackoff: time.Second, maxBackoff: 30 * time.Second}
}

// run hands every fetched message to handle and commits it afterwards,
// backing off on broker errors until ctx is done.
func (l loop) run(ctx context.Context, handle func(ctx context.Context, m kafka.Message)) error {
	backoff := l.minBackoff
	for {
		m, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("shutting down consumer")
				return nil
			}
			l.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > l.maxBackoff {
				backoff = l.maxBackoff
			}
			continue
		}
		backoff = l.minBackoff

		handle(logging.WithAttrs(ctx, slog.Int("partition", m.Partition), slog.Int64("offset", m.Offset)), m)

		if err := l.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("kafka commit failed", "error", err, "offset", m.Offset)
		}
	}
}

func (l loop) Close() error { return l.reader.Close() }

// EventReader consumes ride change events from a Kafka topic.
type EventReader struct {
	loop
	// attempts bounds how often a decision that failed with a data-access
	// error is retried before its message is committed anyway.
	attempts int
}

func NewEventReader(brokers []string, topic, group string, logger *slog.Logger) *EventReader {
	return &EventReader{loop: newLoop(brokers, topic, group, logger), attempts: 3}
}

// Run handles messages until ctx is done. Decisions that fail with a 5xx
// outcome are retried with backoff, since a fresh ride never triggers again
// by itself; everything else, invalid payloads included, is committed once
// handled.
func (e *EventReader) Run(ctx context.Context, handle Handler) error {
	return e.run(ctx, func(ctx context.Context, m kafka.Message) {
		var ev models.RideEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			observability.ConsumerMessages.WithLabelValues("invalid").Inc()
			e.logger.WarnContext(ctx, "invalid message", "error", err)
			return
		}
		out := handle(ctx, ev)
		backoff := e.minBackoff
		for try := 1; out.Code >= 500 && try < e.attempts; try++ {
			e.logger.WarnContext(ctx, "decision failed, retrying", "ride_id", ev.Record.ID, "error", out.Error, "attempt", try, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, e.maxBackoff)
			out = handle(ctx, ev)
		}
		if out.Code >= 500 {
			e.logger.ErrorContext(ctx, "decision failed, event dropped", "ride_id", ev.Record.ID, "error", out.Error)
		}
		observability.ConsumerMessages.WithLabelValues(resultLabel(out)).Inc()
	})
}

// LocationReader feeds driver position updates into a LocationTracker.
type LocationReader struct {
	loop
	tracker LocationTracker
}

func NewLocationReader(brokers []string, topic, group string, tracker LocationTracker, logger *slog.Logger) *LocationReader {
	return &LocationReader{loop: newLoop(brokers, topic, group, logger), tracker: tracker}
}

// Run applies updates until ctx is done. Updates that still fail after the
// tracker's retries are logged and dropped; the next position wins anyway.
func (l *LocationReader) Run(ctx context.Context) error {
	return l.run(ctx, func(ctx context.Context, m kafka.Message) {
		var d models.DriverCandidate
		if err := json.Unmarshal(m.Value, &d); err != nil || d.ID == "" {
			observability.LocationUpdates.WithLabelValues("invalid").Inc()
			l.logger.WarnContext(ctx, "invalid location message", "error", err)
			return
		}
		if err := l.tracker.Track(ctx, d); err != nil {
			observability.LocationUpdates.WithLabelValues("error").Inc()
			l.logger.ErrorContext(ctx, "location update failed", "driver_id", d.ID, "error", err)
			return
		}
		observability.LocationUpdates.WithLabelValues("stored").Inc()
	})
}

func resultLabel(o models.MatchOutcome) string {
	switch {
	case !o.Relevant():
		return "ignored"
	case o.Code >= 500:
		return "error"
	case o.Code >= 400:
		return "rejected"
	default:
		return "handled"
	}
}
