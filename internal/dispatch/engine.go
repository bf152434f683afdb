package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrNoDriversAvailable: no candidate ever qualified. The ride stays
	// REQUESTED and dispatch may be retried.
	ErrNoDriversAvailable = errors.New("no drivers available")
	// ErrDispatchFailed: offers were made but every round exhausted
	// without an acceptance.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrRideNoLongerAvailable is what a losing or late driver sees.
	ErrRideNoLongerAvailable = errors.New("ride no longer available")
	ErrNoActiveOffer         = errors.New("no active offer for driver")
	ErrOfferExpired          = errors.New("offer expired")
)

// RideAPI is the slice of the state machine the engine drives. The engine
// never decides who won: it only funnels accept attempts into Transition,
// and the version check there picks the winner.
type RideAPI interface {
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	Transition(ctx context.Context, rideID string, expectedVersion int64, next models.RideStatus, actor ride.Actor) (*models.Ride, error)
}

type Options struct {
	SearchRadiusMeters float64
	RadiusGrowth       float64
	MaxRounds          int
	CandidateLimit     int
	OfferTTL           time.Duration
	FanOut             int // offers in flight per batch; 1 = waterfall
	DefaultSpeedMps    float64
}

func (o Options) withDefaults() Options {
	if o.SearchRadiusMeters <= 0 {
		o.SearchRadiusMeters = 5000
	}
	if o.RadiusGrowth < 1 {
		o.RadiusGrowth = 1.5
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = 3
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 8
	}
	if o.OfferTTL <= 0 {
		o.OfferTTL = 15 * time.Second
	}
	if o.FanOut <= 0 {
		o.FanOut = 1
	}
	if o.DefaultSpeedMps <= 0 {
		o.DefaultSpeedMps = 10
	}
	return o
}

// Engine locates candidates for a REQUESTED ride and drives exactly one of
// them to a successful acceptance, or reports failure.
type Engine struct {
	rides  RideAPI
	index  geo.Index
	notify Notifier
	events events.Publisher
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// ETAClient and ETACache are optional; absent, ETA falls back to
	// distance over the default speed.
	ETAClient eta.Client
	ETACache  *eta.Cache

	mu      sync.Mutex
	pending map[string]map[string]*pendingOffer // rideID -> driverID
}

type pendingOffer struct {
	offer   models.Offer
	version int64
	outcome models.OfferOutcome
	done    chan models.OfferOutcome // buffered; exactly one send ever
}

func NewEngine(rides RideAPI, index geo.Index, notify Notifier, pub events.Publisher, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		rides:   rides,
		index:   index,
		notify:  notify,
		events:  pub,
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]map[string]*pendingOffer),
	}
}

// FindCandidates queries the location index, retrying transient failures
// with backoff. An empty result is not an error.
func (e *Engine) FindCandidates(ctx context.Context, pickup models.Coord, radiusMeters float64, limit int) ([]models.Candidate, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		cands, err := e.index.Nearby(ctx, pickup.Lat, pickup.Lon, radiusMeters, limit)
		if err == nil {
			return cands, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("location index unavailable: %w", lastErr)
}

type Result struct {
	RideID   string
	DriverID string
	Rounds   int
}

// Dispatch runs the offer waterfall for a freshly requested ride. It
// returns once a driver accepted, the ride went away, or all rounds are
// exhausted. The ride is left REQUESTED on failure.
func (e *Engine) Dispatch(ctx context.Context, r *models.Ride) (Result, error) {
	start := e.now()
	res := Result{RideID: r.ID}
	defer e.clearRide(r.ID)
	defer func() {
		observability.DispatchLatency.Observe(e.now().Sub(start).Seconds())
	}()

	version := r.Version
	radius := e.opts.SearchRadiusMeters
	sawCandidates := false

	for round := 1; round <= e.opts.MaxRounds; round++ {
		res.Rounds = round
		observability.DispatchRounds.Inc()

		if err := e.stillRequested(ctx, r.ID, &res); err != nil || res.DriverID != "" {
			return res, err
		}

		cands, err := e.FindCandidates(ctx, r.Pickup, radius, e.opts.CandidateLimit)
		if err != nil {
			return res, err
		}
		cands = filterVehicle(cands, r.VehicleType)
		if len(cands) > 0 {
			sawCandidates = true
		}

		for i := 0; i < len(cands); i += e.opts.FanOut {
			end := i + e.opts.FanOut
			if end > len(cands) {
				end = len(cands)
			}
			winner, err := e.offerBatch(ctx, r, version, cands[i:end])
			if err != nil {
				return res, err
			}
			if winner != "" {
				res.DriverID = winner
				observability.RidesMatched.Inc()
				e.logger.Info("ride matched", "ride_id", r.ID, "driver_id", winner, "round", round)
				return res, nil
			}
			if err := e.stillRequested(ctx, r.ID, &res); err != nil || res.DriverID != "" {
				return res, err
			}
		}

		radius *= e.opts.RadiusGrowth
	}

	observability.DispatchFailed.Inc()
	if !sawCandidates {
		return res, ErrNoDriversAvailable
	}
	return res, ErrDispatchFailed
}

// stillRequested aborts the waterfall when the ride left REQUESTED behind
// our back: a mid-dispatch customer cancel, or an out-of-band acceptance.
func (e *Engine) stillRequested(ctx context.Context, rideID string, res *Result) error {
	cur, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return err
	}
	switch cur.Status {
	case models.StatusRequested:
		return nil
	case models.StatusAccepted, models.StatusInProgress, models.StatusCompleted:
		res.DriverID = cur.DriverID
		return nil
	default:
		return ErrRideNoLongerAvailable
	}
}

func (e *Engine) offerBatch(ctx context.Context, r *models.Ride, version int64, batch []models.Candidate) (string, error) {
	type outcomeMsg struct {
		driverID string
		outcome  models.OfferOutcome
	}
	results := make(chan outcomeMsg, len(batch))
	deadline := e.now().Add(e.opts.OfferTTL)

	for _, c := range batch {
		offer := models.Offer{
			RideID:     r.ID,
			DriverID:   c.DriverID,
			ETASeconds: e.estimateETA(c.Loc, r.Pickup),
			Fare:       r.EstimatedFare,
			OfferedAt:  e.now(),
			Deadline:   deadline,
		}
		po := e.register(r.ID, c.DriverID, offer, version)
		if err := e.notify.Offer(c.DriverID, offer); err != nil {
			// unreachable driver counts as an immediate decline
			e.resolve(r.ID, c.DriverID, models.OfferDeclined)
		}
		go func(driverID string, po *pendingOffer) {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			var out models.OfferOutcome
			select {
			case out = <-po.done:
			case <-timer.C:
				e.resolve(r.ID, driverID, models.OfferExpired)
				out = <-po.done
			case <-ctx.Done():
				e.resolve(r.ID, driverID, models.OfferRevoked)
				out = <-po.done
			}
			results <- outcomeMsg{driverID, out}
		}(c.DriverID, po)
	}

	winner := ""
	for pending := len(batch); pending > 0; pending-- {
		msg := <-results
		observability.OffersByOutcome.WithLabelValues(string(msg.outcome)).Inc()
		if msg.outcome == models.OfferAccepted && winner == "" {
			winner = msg.driverID
			// revoking the losers resolves their pending offers, so the
			// remaining watchers drain without waiting out the deadline
			e.revokeOthers(r.ID, winner)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return winner, nil
}

// Accept resolves a driver's accept attempt against their outstanding
// offer. A stale version or a cancelled ride is a benign lost race: the
// driver gets ErrRideNoLongerAvailable, never a hard failure.
func (e *Engine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	po := e.lookup(rideID, driverID)
	if po == nil {
		return nil, ErrNoActiveOffer
	}
	if po.offer.Expired(e.now()) {
		e.resolve(rideID, driverID, models.OfferExpired)
		return nil, ErrOfferExpired
	}

	r, err := e.rides.Transition(ctx, rideID, po.version, models.StatusAccepted, ride.Actor{ID: driverID, Role: ride.RoleDriver})
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, ride.ErrInvalidTransition) {
			e.resolve(rideID, driverID, models.OfferRevoked)
			e.logger.Info("offer lost", "ride_id", rideID, "driver_id", driverID)
			_ = e.events.Publish(ctx, events.RideEvent{
				Type:     events.OfferLost,
				RideID:   rideID,
				DriverID: driverID,
				At:       e.now(),
			})
			return nil, ErrRideNoLongerAvailable
		}
		return nil, err
	}
	e.resolve(rideID, driverID, models.OfferAccepted)
	return r, nil
}

// Decline resolves a driver's outstanding offer negatively so the
// waterfall can move on without waiting out the deadline.
func (e *Engine) Decline(rideID, driverID string) error {
	if po := e.lookup(rideID, driverID); po == nil {
		return ErrNoActiveOffer
	}
	e.resolve(rideID, driverID, models.OfferDeclined)
	return nil
}

// CancelOffers voids all outstanding offers for a ride, typically after a
// customer cancel.
func (e *Engine) CancelOffers(rideID string) {
	e.mu.Lock()
	var voided []string
	for driverID, po := range e.pending[rideID] {
		if po.outcome == models.OfferPending {
			po.outcome = models.OfferRevoked
			po.done <- models.OfferRevoked
			voided = append(voided, driverID)
		}
	}
	e.mu.Unlock()
	for _, driverID := range voided {
		e.notify.Revoke(driverID, rideID)
	}
}

// StartSweeper expires overdue offers in the background. Expiry is also
// checked lazily on accept, so the sweep is a liveness aid, not a
// correctness requirement.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.sweep()
			}
		}
	}()
}

func (e *Engine) sweep() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, byDriver := range e.pending {
		for _, po := range byDriver {
			if po.outcome == models.OfferPending && po.offer.Expired(now) {
				po.outcome = models.OfferExpired
				po.done <- models.OfferExpired
			}
		}
	}
}

func (e *Engine) estimateETA(from, to models.Coord) float64 {
	if e.ETACache != nil {
		if v, ok := e.ETACache.Get(from, to); ok {
			return v
		}
	}
	if e.ETAClient != nil {
		if v, err := e.ETAClient.EstimateSeconds(from, to); err == nil {
			if e.ETACache != nil {
				e.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, e.opts.DefaultSpeedMps)
}

func (e *Engine) register(rideID, driverID string, offer models.Offer, version int64) *pendingOffer {
	po := &pendingOffer{
		offer:   offer,
		version: version,
		outcome: models.OfferPending,
		done:    make(chan models.OfferOutcome, 1),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[rideID] == nil {
		e.pending[rideID] = make(map[string]*pendingOffer)
	}
	e.pending[rideID][driverID] = po
	return po
}

func (e *Engine) lookup(rideID, driverID string) *pendingOffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	po := e.pending[rideID][driverID]
	if po == nil || po.outcome != models.OfferPending {
		return nil
	}
	return po
}

// resolve settles a pending offer exactly once; later callers lose.
func (e *Engine) resolve(rideID, driverID string, outcome models.OfferOutcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	po := e.pending[rideID][driverID]
	if po == nil || po.outcome != models.OfferPending {
		return false
	}
	po.outcome = outcome
	po.done <- outcome
	return true
}

func (e *Engine) revokeOthers(rideID, winner string) {
	e.mu.Lock()
	var losers []string
	for driverID, po := range e.pending[rideID] {
		if driverID == winner {
			continue
		}
		if po.outcome == models.OfferPending {
			po.outcome = models.OfferRevoked
			po.done <- models.OfferRevoked
		}
		losers = append(losers, driverID)
	}
	e.mu.Unlock()
	for _, driverID := range losers {
		e.notify.Revoke(driverID, rideID)
	}
}

func (e *Engine) clearRide(rideID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, rideID)
}

func filterVehicle(cands []models.Candidate, vehicleType string) []models.Candidate {
	if vehicleType == "" {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		// drivers that do not advertise a vehicle type take any ride
		if c.VehicleType == "" || c.VehicleType == vehicleType {
			out = append(out, c)
		}
	}
	return out
}
