package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu  sync.Mutex
	evs []events.RideEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.RideEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.evs))
	for _, ev := range p.evs {
		out = append(out, ev.Type)
	}
	return out
}

func newService() (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	return &Service{Store: storage.NewMemoryStore(), Events: pub}, pub
}

func request(t *testing.T, s *Service) *models.Ride {
	t.Helper()
	r, err := s.Request(context.Background(), RequestInput{
		CustomerID: "cust-1",
		Pickup:     models.Coord{Lat: 40.7128, Lon: -74.0060},
		Dropoff:    models.Coord{Lat: 40.7580, Lon: -73.9855},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRequestRoundTrip(t *testing.T) {
	s, pub := newService()
	r := request(t, s)

	loaded, err := s.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", loaded.Status)
	}
	if loaded.DriverID != "" {
		t.Fatalf("expected no driver, got %q", loaded.DriverID)
	}
	if loaded.Version != 1 {
		t.Fatalf("expected version 1, got %d", loaded.Version)
	}
	if loaded.EstimatedFare <= 0 {
		t.Fatalf("expected an estimated fare, got %f", loaded.EstimatedFare)
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.RideRequested {
		t.Fatalf("expected ride.requested event, got %v", got)
	}
}

func TestRequestRejectsBadCoordinates(t *testing.T) {
	s, _ := newService()
	_, err := s.Request(context.Background(), RequestInput{
		CustomerID: "cust-1",
		Pickup:     models.Coord{Lat: 91, Lon: 0},
		Dropoff:    models.Coord{Lat: 0, Lon: 0},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, err = s.Request(context.Background(), RequestInput{
		CustomerID: "cust-1",
		Pickup:     models.Coord{Lat: 0, Lon: 0},
		Dropoff:    models.Coord{Lat: 0, Lon: -181},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	s, pub := newService()
	r := request(t, s)
	ctx := context.Background()
	driver := Actor{ID: "drv-1", Role: RoleDriver}

	r, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, driver)
	if err != nil {
		t.Fatal(err)
	}
	if r.DriverID != "drv-1" || r.Status != models.StatusAccepted || r.Version != 2 {
		t.Fatalf("unexpected ride after accept: %+v", r)
	}

	r, err = s.Transition(ctx, r.ID, r.Version, models.StatusInProgress, driver)
	if err != nil {
		t.Fatal(err)
	}
	if r.StartedAt.IsZero() {
		t.Fatal("expected StartedAt set")
	}

	r, err = s.Transition(ctx, r.ID, r.Version, models.StatusCompleted, driver)
	if err != nil {
		t.Fatal(err)
	}
	if r.FinalFare <= 0 {
		t.Fatalf("expected final fare, got %f", r.FinalFare)
	}

	want := []string{events.RideRequested, events.RideAccepted, events.RideStarted, events.RideCompleted}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestIllegalEdgesRejected(t *testing.T) {
	s, _ := newService()
	r := request(t, s)
	ctx := context.Background()
	driver := Actor{ID: "drv-1", Role: RoleDriver}

	// REQUESTED -> IN_PROGRESS skips acceptance
	if _, err := s.Transition(ctx, r.ID, r.Version, models.StatusInProgress, driver); !errors.Is(err, ErrNotAuthorized) && !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejection, got %v", err)
	}
	// REQUESTED -> COMPLETED
	if _, err := s.Transition(ctx, r.ID, r.Version, models.StatusCompleted, driver); err == nil {
		t.Fatal("expected rejection of REQUESTED -> COMPLETED")
	}

	r, err := s.Cancel(ctx, r.ID, Actor{ID: "cust-1", Role: RoleCustomer}, "changed plans")
	if err != nil {
		t.Fatal(err)
	}
	// terminal: no outgoing edges
	if _, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, driver); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on cancelled ride, got %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	s, _ := newService()
	r := request(t, s)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		driver := Actor{ID: string(rune('A' + i)), Role: RoleDriver}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, driver)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected exactly one accept to win, got wins=%d conflicts=%d", wins, conflicts)
	}

	final, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusAccepted || final.DriverID == "" {
		t.Fatalf("expected exactly one assigned driver, got %+v", final)
	}
}

func TestStaleAcceptGetsVersionConflict(t *testing.T) {
	s, _ := newService()
	r := request(t, s)
	ctx := context.Background()

	if _, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, Actor{ID: "winner", Role: RoleDriver}); err != nil {
		t.Fatal(err)
	}

	// the loser still holds the pre-accept version; it must see a version
	// conflict, not a complaint about the ACCEPTED -> ACCEPTED edge
	_, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, Actor{ID: "loser", Role: RoleDriver})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	final, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.DriverID != "winner" {
		t.Fatalf("expected winner to keep the ride, got %q", final.DriverID)
	}
}

func TestCancelIdempotent(t *testing.T) {
	s, _ := newService()
	r := request(t, s)
	ctx := context.Background()
	cust := Actor{ID: "cust-1", Role: RoleCustomer}

	first, err := s.Cancel(ctx, r.ID, cust, "no longer needed")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Cancel(ctx, r.ID, cust, "again")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.StatusCancelled || second.Version != first.Version {
		t.Fatalf("expected identical stored state, got %+v vs %+v", first, second)
	}
	if second.CancellationReason != "no longer needed" {
		t.Fatalf("second cancel must not rewrite the record: %+v", second)
	}
}

func TestCancelAuthorization(t *testing.T) {
	s, _ := newService()
	r := request(t, s)
	ctx := context.Background()

	if _, err := s.Cancel(ctx, r.ID, Actor{ID: "someone-else", Role: RoleCustomer}, "x"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	driver := Actor{ID: "drv-1", Role: RoleDriver}
	r, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, driver)
	if err != nil {
		t.Fatal(err)
	}
	r, err = s.Transition(ctx, r.ID, r.Version, models.StatusInProgress, driver)
	if err != nil {
		t.Fatal(err)
	}
	// trip already started: customer cancel window has closed
	if _, err := s.Cancel(ctx, r.ID, Actor{ID: "cust-1", Role: RoleCustomer}, "too late"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	// the assigned driver may still abort
	if _, err := s.Cancel(ctx, r.ID, driver, "breakdown"); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptAfterCancelFails(t *testing.T) {
	s, _ := newService()
	r := request(t, s)
	ctx := context.Background()
	v0 := r.Version

	if _, err := s.Cancel(ctx, r.ID, Actor{ID: "cust-1", Role: RoleCustomer}, "mind changed"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Transition(ctx, r.ID, v0, models.StatusAccepted, Actor{ID: "drv-1", Role: RoleDriver})
	if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected transition rejection after cancel, got %v", err)
	}
}

type capturingGateway struct {
	mu        sync.Mutex
	heldCents int64
}

func (g *capturingGateway) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heldCents = amountCents
	return "pi_test", nil
}

func (g *capturingGateway) Capture(ctx context.Context, ref string) error { return nil }
func (g *capturingGateway) Release(ctx context.Context, ref string) error { return nil }

func TestHoldAmountRoundsToNearestCent(t *testing.T) {
	gw := &capturingGateway{}
	s := &Service{Store: storage.NewMemoryStore(), Payments: gw}
	ctx := context.Background()

	seed := &models.Ride{
		ID:            "ride-cents",
		CustomerID:    "cust-1",
		Pickup:        models.Coord{Lat: 40.7128, Lon: -74.0060},
		Dropoff:       models.Coord{Lat: 40.7580, Lon: -73.9855},
		PaymentMethod: models.PayCard,
		Status:        models.StatusRequested,
		EstimatedFare: 10.999,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	saved, err := s.Store.SaveRide(ctx, seed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, saved.ID, saved.Version, models.StatusAccepted, Actor{ID: "drv-1", Role: RoleDriver}); err != nil {
		t.Fatal(err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.heldCents != 1100 {
		t.Fatalf("expected 1100 cents held for a 10.999 fare, got %d", gw.heldCents)
	}
}

func TestCompletedFareUsesTripDuration(t *testing.T) {
	clock := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	s, _ := newService()
	s.Now = func() time.Time { return clock }
	s.Pricing.Now = func() time.Time { return clock }

	r := request(t, s)
	ctx := context.Background()
	driver := Actor{ID: "drv-1", Role: RoleDriver}

	r, err := s.Transition(ctx, r.ID, r.Version, models.StatusAccepted, driver)
	if err != nil {
		t.Fatal(err)
	}
	r, err = s.Transition(ctx, r.ID, r.Version, models.StatusInProgress, driver)
	if err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(45 * time.Minute)
	r, err = s.Transition(ctx, r.ID, r.Version, models.StatusCompleted, driver)
	if err != nil {
		t.Fatal(err)
	}
	if r.FinalFare <= r.EstimatedFare {
		t.Fatalf("slow trip should exceed the quote: final=%.2f estimate=%.2f", r.FinalFare, r.EstimatedFare)
	}
}
