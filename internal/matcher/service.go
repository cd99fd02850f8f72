package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Publisher receives every decision after it is made. Failures are logged
// and never change the outcome.
type Publisher interface {
	Publish(ctx context.Context, o models.MatchOutcome) error
}

// Config holds the dispatch tunables, in meters.
type Config struct {
	BaseRadius       int
	RadiusStep       int
	RematchMaxRadius int
	FreshMaxRadius   int
	MaxNotified      int
	// MarkFreshExhaustion writes no_drivers_available when a fresh attempt
	// finds no driver in range. Re-matches always write it.
	MarkFreshExhaustion bool
}

func DefaultConfig() Config {
	return Config{
		BaseRadius:       5000,
		RadiusStep:       2500,
		RematchMaxRadius: 15000,
		FreshMaxRadius:   5000,
		MaxNotified:      5,
	}
}

// Service turns ride change events into matching decisions.
type Service struct {
	Rides     storage.RideStore
	Drivers   storage.DriverPool
	Engine    *Engine
	Locker    storage.RideLocker // optional
	Publisher Publisher          // optional
	Config    Config
	Logger    *slog.Logger
	now       func() time.Time
}

func (s *Service) params(t models.Trigger) SearchParams {
	maxRadius := s.Config.FreshMaxRadius
	if t == models.TriggerRematch {
		maxRadius = s.Config.RematchMaxRadius
	}
	return SearchParams{BaseRadius: s.Config.BaseRadius, Step: s.Config.RadiusStep, MaxRadius: maxRadius}
}

// Classify decides whether ev should be matched and how. The second return
// is the acknowledgement message for events that are ignored.
func Classify(ev models.RideEvent) (models.Trigger, string) {
	if ev.Table != models.RidesTable || (ev.Type != models.EventInsert && ev.Type != models.EventUpdate) {
		return "", "Not a relevant rides table event"
	}
	if ev.Type == models.EventUpdate {
		if ev.Record.Status != models.StatusSearchingDrivers {
			return "", "Not a re-matching update"
		}
		return models.TriggerRematch, ""
	}
	return models.TriggerFresh, ""
}

// HandleRideEvent runs one matching decision. It never returns an error:
// failures are folded into the outcome's Code and Error.
func (s *Service) HandleRideEvent(ctx context.Context, ev models.RideEvent) models.MatchOutcome {
	trigger, ack := Classify(ev)
	if trigger == "" {
		return models.MatchOutcome{RideID: ev.Record.ID, Code: http.StatusOK, Message: ack, DecidedAt: s.clock()}
	}

	start := time.Now()
	out := s.decide(ctx, ev.Record.ID, trigger)
	out.RideID, out.Trigger, out.DecidedAt = ev.Record.ID, trigger, s.clock()

	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchAttemptsTotal.WithLabelValues(string(trigger), outcomeLabel(out)).Inc()
	if out.Matched {
		observability.DriversNotified.Add(float64(out.DriversNotified))
		observability.SearchRadius.Observe(float64(out.Radius))
	}

	log := s.logger().With("ride_id", out.RideID, "trigger", trigger)
	switch {
	case out.Code >= http.StatusInternalServerError:
		log.ErrorContext(ctx, "matching failed", "error", out.Error)
	case out.Code >= http.StatusBadRequest:
		log.WarnContext(ctx, "matching rejected", "message", out.Message)
	default:
		log.InfoContext(ctx, "matching decided", "message", out.Message, "notified", out.DriversNotified, "radius_m", out.Radius, "ride_status", out.RideStatus)
	}

	if s.Publisher != nil {
		if err := s.Publisher.Publish(ctx, out); err != nil {
			log.WarnContext(ctx, "outcome publish failed", "error", err)
		}
	}
	return out
}

func (s *Service) decide(ctx context.Context, rideID string, trigger models.Trigger) models.MatchOutcome {
	if rideID == "" {
		return rejected("Missing ride id")
	}
	rematch := trigger == models.TriggerRematch

	if s.Locker != nil {
		release, err := s.Locker.Acquire(ctx, rideID)
		if errors.Is(err, storage.ErrLocked) {
			return models.MatchOutcome{Code: http.StatusOK, Message: "Matching already in progress"}
		}
		if err != nil {
			return failed(fmt.Errorf("acquire ride lock: %w", err))
		}
		defer func() {
			// the attempt's context may already be done; release on a fresh one
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				s.logger().WarnContext(ctx, "ride lock release failed", "ride_id", rideID, "error", err)
			}
		}()
	}

	ride, err := s.Rides.GetRide(ctx, rideID)
	if errors.Is(err, geo.ErrInvalidLocation) {
		return rejected("Invalid pickup location: " + err.Error())
	}
	if err != nil {
		return failed(err)
	}

	attempt := models.MatchAttempt{Trigger: trigger}
	if rematch {
		if attempt.Excluded, err = s.Rides.NotifiedDrivers(ctx, rideID); err != nil {
			return failed(err)
		}
	}

	candidates, err := s.Drivers.AvailableDrivers(ctx, attempt.Excluded)
	if err != nil {
		return failed(err)
	}
	if len(candidates) == 0 {
		msg := "No online drivers found"
		if rematch {
			msg = "No additional online drivers found"
			if err := s.Rides.UpdateRide(ctx, rideID, models.RideUpdate{Status: models.StatusNoDriversAvailable}); err != nil {
				return failed(err)
			}
			return models.MatchOutcome{Code: http.StatusOK, Message: msg, RideStatus: models.StatusNoDriversAvailable}
		}
		return models.MatchOutcome{Code: http.StatusOK, Message: msg, RideStatus: ride.Status}
	}

	params := s.params(trigger)
	matched, radius, err := s.Engine.Search(ctx, ride.Pickup, candidates, params)
	if err != nil {
		return failed(err)
	}
	attempt.Radius = radius

	if len(matched) == 0 {
		if !rematch && !s.Config.MarkFreshExhaustion {
			return models.MatchOutcome{Code: http.StatusOK, Message: "No drivers within base radius", Radius: radius, RideStatus: ride.Status}
		}
		if err := s.Rides.UpdateRide(ctx, rideID, models.RideUpdate{Status: models.StatusNoDriversAvailable}); err != nil {
			return failed(err)
		}
		return models.MatchOutcome{Code: http.StatusOK, Message: "No drivers within maximum radius", Radius: radius, RideStatus: models.StatusNoDriversAvailable}
	}

	if s.Config.MaxNotified > 0 && len(matched) > s.Config.MaxNotified {
		matched = matched[:s.Config.MaxNotified]
	}
	attempt.Notified = append(slices.Clone(attempt.Excluded), matched...)
	if err := s.Rides.UpdateRide(ctx, rideID, models.RideUpdate{Status: models.StatusPending, NotifiedDriverIDs: attempt.Notified}); err != nil {
		return failed(err)
	}

	msg := "Ride matched and drivers notified"
	if rematch {
		msg = "Ride re-matched and drivers notified"
	}
	return models.MatchOutcome{
		Code:              http.StatusOK,
		Message:           msg,
		Matched:           true,
		DriversNotified:   len(matched),
		Radius:            radius,
		NotifiedDriverIDs: matched,
		RideStatus:        models.StatusPending,
	}
}

func rejected(msg string) models.MatchOutcome {
	return models.MatchOutcome{Code: http.StatusBadRequest, Message: msg}
}

func failed(err error) models.MatchOutcome {
	return models.MatchOutcome{Code: http.StatusInternalServerError, Message: "Matching failed", Error: err.Error()}
}

func outcomeLabel(o models.MatchOutcome) string {
	switch {
	case o.Code >= http.StatusInternalServerError:
		return "error"
	case o.Code >= http.StatusBadRequest:
		return "rejected"
	case o.Matched:
		return "matched"
	case o.RideStatus == models.StatusNoDriversAvailable:
		return "no_drivers"
	default:
		return "unmatched"
	}
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger
}
