package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Publisher delivers a match outcome to one sink.
type Publisher interface {
	Publish(ctx context.Context, o models.MatchOutcome) error
}

// Sink names a Publisher for metrics.
type Sink struct {
	Name string
	Publisher
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, o models.MatchOutcome) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, o); err != nil {
			observability.OutcomePublishes.WithLabelValues(s.Name, "error").Inc()
			errs = append(errs, err)
			continue
		}
		observability.OutcomePublishes.WithLabelValues(s.Name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// LogPublisher writes outcomes that actually notified drivers to the log.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l LogPublisher) Publish(_ context.Context, o models.MatchOutcome) error {
	if !o.Matched {
		return nil
	}
	l.Logger.Info("drivers notified", "ride_id", o.RideID, "trigger", o.Trigger, "driver_ids", o.NotifiedDriverIDs, "radius_m", o.Radius)
	return nil
}
