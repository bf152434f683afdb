package payments

import "context"

// Gateway is the payment boundary the ride lifecycle hooks into: a hold
// is placed when a driver accepts, captured on completion, released on
// cancellation. All calls are best-effort from the kernel's point of view;
// billing reconciliation is external.
type Gateway interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (ref string, err error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// Nop satisfies Gateway when no payment provider is configured (cash
// rides, local runs).
type Nop struct{}

func (Nop) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	return "", nil
}
func (Nop) Capture(ctx context.Context, ref string) error { return nil }
func (Nop) Release(ctx context.Context, ref string) error { return nil }
