package core

import (
	"context"
	"errors"
	"time"

	"identitycore/pkg/domain"
)

// Outcome classifies how an operation ended. Rejections are the registry
// refusing a request (missing record, wrong owner, broken invariant);
// failures are everything else.
type Outcome string

const (
	OutcomeCommitted Outcome = "success"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "error"
)

// OutcomeOf maps an operation error to its Outcome.
func OutcomeOf(err error) Outcome {
	var (
		regErr  domain.RegistryError
		ruleErr domain.RuleViolationError
	)
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.As(err, &regErr), errors.As(err, &ruleErr):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// MetricsRecorder captures the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, outcome Outcome, duration time.Duration)
}

// Tracer starts a span around a service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, Outcome, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
