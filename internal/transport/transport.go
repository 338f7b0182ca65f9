package transport

import (
	"context"
	"fmt"

	"makeover/internal/entity/dto"
	"makeover/internal/events"
)

// Handler receives normalized events in order. It must not call Cancel on
// the generation delivering to it.
type Handler func(events.Event)

// Generation is one running project seen from the client side.
type Generation interface {
	ProjectID() string
	// Cancel stops delivery and asks the vendor to cancel, best effort. No
	// event is delivered once Cancel returns.
	Cancel(ctx context.Context) error
	// Done is closed after the terminal event, cancellation or a permanent
	// transport failure.
	Done() <-chan struct{}
	// Err reports why the generation ended without a terminal event.
	Err() error
}

// Transport starts generations. The SSE relay and the direct vendor
// connection both implement it.
type Transport interface {
	Name() string
	Start(ctx context.Context, req dto.GenerationRequest, handler Handler) (Generation, error)
}

// Reasons a subscription ends without a terminal event.
const (
	ReasonTimeout   = "timeout"
	ReasonNetwork   = "network"
	ReasonCancelled = "cancelled"
)

// SubscriptionError ends a subscription permanently. Only explicit
// cancellation is not retryable.
type SubscriptionError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription %s: %v", e.Reason, e.Err)
	}
	return "subscription " + e.Reason
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
