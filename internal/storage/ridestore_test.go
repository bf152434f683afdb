package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestInsertStartsAtVersionOne(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := &models.Ride{ID: "r1", CustomerID: "c1", Status: models.StatusRequested}

	saved, err := s.SaveRide(ctx, r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}

	loaded, err := s.LoadRide(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.StatusRequested || loaded.DriverID != "" || loaded.Version != 1 {
		t.Fatalf("unexpected ride after insert: %+v", loaded)
	}
}

func TestInsertDuplicateConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := &models.Ride{ID: "r1"}
	if _, err := s.SaveRide(ctx, r, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveRide(ctx, r, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := &models.Ride{ID: "r1", Status: models.StatusRequested}
	saved, err := s.SaveRide(ctx, r, 0)
	if err != nil {
		t.Fatal(err)
	}

	saved.Status = models.StatusAccepted
	if _, err := s.SaveRide(ctx, saved, saved.Version); err != nil {
		t.Fatal(err)
	}
	// second writer still holding version 1
	saved.Status = models.StatusCancelled
	if _, err := s.SaveRide(ctx, saved, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestLoadMissingRide(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.LoadRide(context.Background(), "nope"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

func TestConcurrentSavesExactlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.SaveRide(ctx, &models.Ride{ID: "r1", Status: models.StatusRequested}, 0); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &models.Ride{ID: "r1", Status: models.StatusAccepted}
			_, err := s.SaveRide(ctx, r, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}
