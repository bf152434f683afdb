package pricing

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Fare constants, USD.
const (
	baseFare      = 2.50
	costPerMinute = 0.35
	costPerMile   = 1.75
	bookingFee    = 2.00
	minFare       = 7.00

	metersPerMile = 1609.34
)

// Estimator computes fare estimates from trip geometry and request time.
// Zero value is usable.
type Estimator struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Estimate returns the up-front fare quote for a trip.
func (e Estimator) Estimate(pickup, dropoff models.Coord) float64 {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	miles := geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon) / metersPerMile
	minutes := travelMinutes(miles, now().Hour())
	return finalize(miles, minutes, now().Hour())
}

// Final returns the fare for a completed trip using the actual duration.
func (e Estimator) Final(pickup, dropoff models.Coord, duration time.Duration) float64 {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	miles := geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon) / metersPerMile
	return finalize(miles, duration.Minutes(), now().Hour())
}

func finalize(miles, minutes float64, hour int) float64 {
	fare := baseFare + miles*costPerMile + minutes*costPerMinute + bookingFee
	fare *= surgeMultiplier(hour)
	if fare < minFare {
		fare = minFare
	}
	return fare
}

// surgeMultiplier mirrors the time-of-day demand factors of the original
// pricing model: rush hours and late nights cost more.
func surgeMultiplier(hour int) float64 {
	switch {
	case hour >= 7 && hour <= 9:
		return 1.3
	case hour >= 16 && hour <= 19:
		return 1.4
	case hour >= 22 || hour <= 2:
		return 1.2
	default:
		return 1.0
	}
}

// travelMinutes estimates trip time from distance and typical speeds for
// the hour of day.
func travelMinutes(miles float64, hour int) float64 {
	var mph float64
	switch {
	case hour >= 7 && hour <= 9:
		mph = 20
	case hour >= 16 && hour <= 19:
		mph = 18
	case hour >= 22 || hour <= 5:
		mph = 30
	default:
		mph = 25
	}
	return miles / mph * 60
}
