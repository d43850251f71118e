// Package delivery hands completed turn results to their destination.
//
// Every sink receives exactly one TurnResult per completed turn. Sinks
// compose: an OutboxSink persists results that an OutboxSender later feeds
// into a LogicResultSink or MessagingSink.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// ErrDeliveryFailed wraps every failed delivery.
var ErrDeliveryFailed = errors.New("delivery failed")

// Sink receives completed turn results.
type Sink interface {
	Deliver(ctx context.Context, result models.TurnResult) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, result models.TurnResult) error

func (f FuncSink) Deliver(ctx context.Context, result models.TurnResult) error {
	return f(ctx, result)
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, result models.TurnResult) error {
	var errs []error
	for i, s := range m {
		if err := s.Deliver(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// RouteByInvocation sends results carrying platform invocation coordinates to
// invocations and everything else to direct.
func RouteByInvocation(invocations, direct Sink) Sink {
	return FuncSink(func(ctx context.Context, result models.TurnResult) error {
		if result.Invocation != nil {
			if invocations == nil {
				return fmt.Errorf("%w: no sink for invocation %s", ErrDeliveryFailed, result.Invocation.InvocationID)
			}
			return invocations.Deliver(ctx, result)
		}
		if direct == nil {
			return nil
		}
		return direct.Deliver(ctx, result)
	})
}
