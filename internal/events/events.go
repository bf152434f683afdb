package events

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Event types published on the ride lifecycle topic. Consumers (billing,
// notifications) must be idempotent by (ride ID, type): delivery is
// at-least-once.
const (
	RideRequested = "ride.requested"
	RideAccepted  = "ride.accepted"
	RideStarted   = "ride.started"
	RideCompleted = "ride.completed"
	RideCancelled = "ride.cancelled"
	OfferLost     = "offer.lost"
)

type RideEvent struct {
	Type       string            `json:"type"`
	RideID     string            `json:"ride_id"`
	CustomerID string            `json:"customer_id"`
	DriverID   string            `json:"driver_id,omitempty"`
	Status     models.RideStatus `json:"status"`
	Fare       float64           `json:"fare,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Version    int64             `json:"version"`
	At         time.Time         `json:"at"`
}

// Publisher is the fire-and-forget event sink boundary.
type Publisher interface {
	Publish(ctx context.Context, ev RideEvent) error
}

// FromRide builds the event payload for a ride in its current state.
func FromRide(typ string, r *models.Ride) RideEvent {
	fare := r.EstimatedFare
	if r.FinalFare > 0 {
		fare = r.FinalFare
	}
	return RideEvent{
		Type:       typ,
		RideID:     r.ID,
		CustomerID: r.CustomerID,
		DriverID:   r.DriverID,
		Status:     r.Status,
		Fare:       fare,
		Reason:     r.CancellationReason,
		Version:    r.Version,
		At:         time.Now(),
	}
}

// TypeForStatus maps a newly reached status to its lifecycle event type.
func TypeForStatus(s models.RideStatus) string {
	switch s {
	case models.StatusAccepted:
		return RideAccepted
	case models.StatusInProgress:
		return RideStarted
	case models.StatusCompleted:
		return RideCompleted
	case models.StatusCancelled:
		return RideCancelled
	default:
		return RideRequested
	}
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, ev RideEvent) error { return nil }
