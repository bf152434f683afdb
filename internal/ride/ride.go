package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

type Actor struct {
	ID   string
	Role Role
}

// legal lifecycle edges; terminal states have none.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

func legalEdge(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Service is the sole authority over ride status. Correctness under
// concurrent writers rests entirely on the store's version check; the
// service holds no locks across persistence calls, so multiple instances
// can serve the same ride.
type Service struct {
	Store    storage.RideStore
	Events   events.Publisher
	Payments payments.Gateway
	Pricing  pricing.Estimator
	Logger   *slog.Logger
	Now      func() time.Time
}

type RequestInput struct {
	CustomerID    string
	Pickup        models.Coord
	Dropoff       models.Coord
	VehicleType   string
	PaymentMethod models.PaymentMethod
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) publisher() events.Publisher {
	if s.Events != nil {
		return s.Events
	}
	return events.Nop{}
}

func (s *Service) gateway() payments.Gateway {
	if s.Payments != nil {
		return s.Payments
	}
	return payments.Nop{}
}

// Request creates a ride in REQUESTED at version 1. Dispatch is the
// caller's concern.
func (s *Service) Request(ctx context.Context, in RequestInput) (*models.Ride, error) {
	if in.CustomerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", ErrInvalidInput)
	}
	if !in.Pickup.Valid() || !in.Dropoff.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = models.PayCash
	}
	if !in.PaymentMethod.Known() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, in.PaymentMethod)
	}

	now := s.now()
	r := &models.Ride{
		ID:            newID(),
		CustomerID:    in.CustomerID,
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		VehicleType:   in.VehicleType,
		PaymentMethod: in.PaymentMethod,
		Status:        models.StatusRequested,
		EstimatedFare: s.Pricing.Estimate(in.Pickup, in.Dropoff),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	saved, err := s.Store.SaveRide(ctx, r, 0)
	if err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	s.emit(ctx, events.RideRequested, saved)
	return saved, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.LoadRide(ctx, rideID)
}

// Transition moves a ride along one lifecycle edge. expectedVersion is the
// version the caller last observed; a stale value fails with the store's
// ErrVersionConflict, which is how exactly one of N concurrent accepts
// wins.
func (s *Service) Transition(ctx context.Context, rideID string, expectedVersion int64, next models.RideStatus, actor Actor) (*models.Ride, error) {
	return s.transition(ctx, rideID, expectedVersion, next, actor, "")
}

// Cancel is a shorthand transition to CANCELLED. Cancelling a ride that is
// already cancelled is idempotent and returns the stored record.
func (s *Service) Cancel(ctx context.Context, rideID string, actor Actor, reason string) (*models.Ride, error) {
	r, err := s.Store.LoadRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status == models.StatusCancelled {
		return r, nil
	}
	out, err := s.transition(ctx, rideID, r.Version, models.StatusCancelled, actor, reason)
	if errors.Is(err, storage.ErrVersionConflict) {
		// lost a race; if the winner also cancelled, idempotency holds
		if cur, lerr := s.Store.LoadRide(ctx, rideID); lerr == nil && cur.Status == models.StatusCancelled {
			return cur, nil
		}
	}
	return out, err
}

func (s *Service) transition(ctx context.Context, rideID string, expectedVersion int64, next models.RideStatus, actor Actor, reason string) (*models.Ride, error) {
	if !next.Known() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, next)
	}
	r, err := s.Store.LoadRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	// the caller's view must match the stored record before any other
	// check: a loser in an accept race sees a version conflict, not a
	// complaint about the edge the winner already took
	if r.Version != expectedVersion {
		observability.VersionConflicts.Inc()
		return nil, storage.ErrVersionConflict
	}
	if !legalEdge(r.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	if err := authorize(actor, r, next); err != nil {
		return nil, err
	}

	cp := r.Clone()
	now := s.now()
	cp.Status = next
	switch next {
	case models.StatusAccepted:
		cp.DriverID = actor.ID
	case models.StatusInProgress:
		cp.StartedAt = now
	case models.StatusCompleted:
		cp.CompletedAt = now
		dur := now.Sub(cp.StartedAt)
		if cp.StartedAt.IsZero() || dur < 0 {
			dur = 0
		}
		cp.FinalFare = s.Pricing.Final(cp.Pickup, cp.Dropoff, dur)
	case models.StatusCancelled:
		cp.CancellationReason = reason
	}

	saved, err := s.Store.SaveRide(ctx, cp, expectedVersion)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			observability.VersionConflicts.Inc()
		}
		return nil, err
	}

	s.emit(ctx, events.TypeForStatus(next), saved)
	s.settle(ctx, saved)
	return saved, nil
}

func authorize(actor Actor, r *models.Ride, next models.RideStatus) error {
	switch next {
	case models.StatusAccepted:
		if actor.Role != RoleDriver || actor.ID == "" {
			return fmt.Errorf("%w: only a driver may accept", ErrNotAuthorized)
		}
	case models.StatusInProgress, models.StatusCompleted:
		if actor.Role != RoleDriver || actor.ID != r.DriverID {
			return fmt.Errorf("%w: only the assigned driver may move the trip", ErrNotAuthorized)
		}
	case models.StatusCancelled:
		switch actor.Role {
		case RoleCustomer:
			if actor.ID != r.CustomerID {
				return fmt.Errorf("%w: customer may only cancel their own ride", ErrNotAuthorized)
			}
			if r.Status != models.StatusRequested && r.Status != models.StatusAccepted {
				return fmt.Errorf("%w: customer cancel only before trip start", ErrNotAuthorized)
			}
		case RoleDriver:
			if actor.ID != r.DriverID {
				return fmt.Errorf("%w: driver may only cancel an assigned ride", ErrNotAuthorized)
			}
		default:
			return fmt.Errorf("%w: unknown actor role %q", ErrNotAuthorized, actor.Role)
		}
	}
	return nil
}

// emit publishes the lifecycle event; delivery is fire-and-forget and
// failures only get logged.
func (s *Service) emit(ctx context.Context, typ string, r *models.Ride) {
	if err := s.publisher().Publish(ctx, events.FromRide(typ, r)); err != nil {
		s.logger().Warn("event publish failed", "type", typ, "ride_id", r.ID, "error", err)
	}
}

// settle drives the payment hooks for the status just reached. Best-effort:
// a payment provider hiccup never rolls a ride transition back.
func (s *Service) settle(ctx context.Context, r *models.Ride) {
	gw := s.gateway()
	switch r.Status {
	case models.StatusAccepted:
		if r.PaymentMethod == models.PayCash {
			return
		}
		ref, err := gw.Hold(ctx, int64(math.Round(r.EstimatedFare*100)), "usd", r.CustomerID)
		if err != nil {
			s.logger().Warn("payment hold failed", "ride_id", r.ID, "error", err)
			return
		}
		if ref == "" {
			return
		}
		cp := r.Clone()
		cp.PaymentRef = ref
		if saved, err := s.Store.SaveRide(ctx, cp, r.Version); err != nil {
			s.logger().Warn("payment ref not persisted", "ride_id", r.ID, "error", err)
		} else {
			*r = *saved
		}
	case models.StatusCompleted:
		if r.PaymentRef == "" {
			return
		}
		if err := gw.Capture(ctx, r.PaymentRef); err != nil {
			s.logger().Warn("payment capture failed", "ride_id", r.ID, "error", err)
		}
	case models.StatusCancelled:
		if r.PaymentRef == "" {
			return
		}
		if err := gw.Release(ctx, r.PaymentRef); err != nil {
			s.logger().Warn("payment release failed", "ride_id", r.ID, "error", err)
		}
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
