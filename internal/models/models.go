package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is a real geographic point.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type RideStatus string

const (
	// StatusRequested is the initial state. The source system used
	// PENDING and REQUESTED interchangeably; here there is one state.
	StatusRequested  RideStatus = "REQUESTED"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

func (s RideStatus) Known() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentMethod string

const (
	PayCash   PaymentMethod = "CASH"
	PayCard   PaymentMethod = "CREDIT_CARD"
	PayWallet PaymentMethod = "WALLET"
)

func (p PaymentMethod) Known() bool {
	return p == PayCash || p == PayCard || p == PayWallet
}

// Ride is the single shared mutable record of the system. Version is the
// optimistic-concurrency token: every successful write increments it, and
// writes carrying a stale expected version are rejected.
type Ride struct {
	ID                 string        `json:"ride_id"`
	CustomerID         string        `json:"customer_id"`
	DriverID           string        `json:"driver_id,omitempty"`
	Pickup             Coord         `json:"pickup"`
	Dropoff            Coord         `json:"dropoff"`
	VehicleType        string        `json:"vehicle_type,omitempty"`
	PaymentMethod      PaymentMethod `json:"payment_method"`
	Status             RideStatus    `json:"status"`
	EstimatedFare      float64       `json:"estimated_fare"`
	FinalFare          float64       `json:"final_fare,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	PaymentRef         string        `json:"-"`
	Version            int64         `json:"version"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	StartedAt          time.Time     `json:"started_at,omitempty"`
	CompletedAt        time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy so in-memory stores never hand out aliased records.
func (r *Ride) Clone() *Ride {
	cp := *r
	return &cp
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

// DriverPresence is the ephemeral last-known position and availability of
// a driver. Overwritten on every ping; last write wins.
type DriverPresence struct {
	DriverID    string       `json:"driver_id"`
	Loc         Coord        `json:"loc"`
	Status      DriverStatus `json:"status"`
	VehicleType string       `json:"vehicle_type,omitempty"`
	Updated     time.Time    `json:"updated"`
}

// Candidate is one nearby-driver result, ordered by ascending distance.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	Loc            Coord   `json:"loc"`
	DistanceMeters float64 `json:"distance_meters"`
	VehicleType    string  `json:"vehicle_type,omitempty"`
}

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferDeclined OfferOutcome = "declined"
	OfferExpired  OfferOutcome = "expired"
	OfferRevoked  OfferOutcome = "revoked"
)

// Offer is the transient correlation between a ride and one candidate
// driver during dispatch.
type Offer struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	ETASeconds float64   `json:"eta_seconds"`
	Fare       float64   `json:"estimated_fare"`
	OfferedAt  time.Time `json:"offered_at"`
	Deadline   time.Time `json:"deadline"`
}

func (o Offer) Expired(now time.Time) bool { return now.After(o.Deadline) }
