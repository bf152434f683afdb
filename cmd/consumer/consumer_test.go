package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type flakySink struct {
	failures int
	calls    int
}

func (f *flakySink) Upsert(ctx context.Context, p models.DriverPresence) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis down")
	}
	return nil
}

func presence() models.DriverPresence {
	return models.DriverPresence{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 40.7128, Lon: -74.0060},
		Status:   models.DriverAvailable,
		Updated:  time.Now(),
	}
}

func TestUpsertWithRetryEventuallySucceeds(t *testing.T) {
	sink := &flakySink{failures: 2}
	if err := upsertWithRetry(context.Background(), sink, presence(), 3, time.Millisecond); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestUpsertWithRetryGivesUp(t *testing.T) {
	sink := &flakySink{failures: 10}
	if err := upsertWithRetry(context.Background(), sink, presence(), 3, time.Millisecond); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestUpsertWithRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &flakySink{failures: 10}
	err := upsertWithRetry(ctx, sink, presence(), 3, 50*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("expected a single attempt before bailing, got %d", sink.calls)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers(" b1:9092, b2:9092 ,,")
	if len(got) != 2 || got[0] != "b1:9092" || got[1] != "b2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if splitBrokers("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
