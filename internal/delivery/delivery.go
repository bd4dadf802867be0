// Package delivery implements the orchestrator that sends one message through
// a primary provider and, when that fails, a single fallback provider.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

const tracerName = "github.com/shineum/mail-dispatch/internal/delivery"

// Resolver looks up adapters by provider name.
type Resolver interface {
	Resolve(name string) (provider.Adapter, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider used for delivery spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithAttemptTimeout bounds each individual adapter call. Zero means the
// call is bounded only by the caller's context.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.attemptTimeout = d
	}
}

// Orchestrator executes a single delivery attempt with one fallback hop.
// It keeps no state between calls and is safe for concurrent use.
type Orchestrator struct {
	registry       Resolver
	logger         *slog.Logger
	tracer         trace.Tracer
	attemptTimeout time.Duration
}

// New creates an Orchestrator resolving adapters from registry.
func New(registry Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Deliver sends params through primary. Any primary failure, Retryable or
// Fatal, is followed by exactly one attempt on fallback. When fallback cannot
// be resolved the primary's failure is returned. A primary that is not
// registered fails Fatal without calling any adapter.
func (o *Orchestrator) Deliver(ctx context.Context, params email.Params, primary, fallback string) Outcome {
	ctx, span := o.tracer.Start(ctx, "delivery.Deliver", trace.WithAttributes(
		attribute.String("delivery.primary", primary),
		attribute.String("delivery.fallback", fallback),
	))
	defer span.End()

	outcome := o.deliver(ctx, params, primary, fallback)
	if outcome.OK() {
		span.SetAttributes(attribute.String("delivery.provider", outcome.Response.ProviderName))
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(
			attribute.String("delivery.provider", outcome.Failure.Provider),
			attribute.String("delivery.kind", outcome.Failure.Kind.String()),
			attribute.Bool("delivery.fallback_attempted", outcome.Failure.FallbackAttempted),
		)
		span.SetStatus(codes.Error, outcome.Failure.Message)
	}
	return outcome
}

func (o *Orchestrator) deliver(ctx context.Context, params email.Params, primary, fallback string) Outcome {
	if err := params.Validate(); err != nil {
		cause := provider.NewFatal(primary, "invalid recipient", err)
		return Outcome{Failure: newFailure(cause, []*provider.Error{cause}, false)}
	}

	primaryAdapter, err := o.registry.Resolve(primary)
	if err != nil {
		o.logger.Error("primary provider not registered", "provider", primary)
		cause := provider.NewFatal(primary, "provider not registered", err)
		return Outcome{Failure: newFailure(cause, []*provider.Error{cause}, false)}
	}

	resp, primaryErr := o.send(ctx, primaryAdapter, primary, params, false)
	if primaryErr == nil {
		return Outcome{Response: resp}
	}

	causes := []*provider.Error{primaryErr}

	if ctx.Err() != nil {
		o.logger.Info("skipping fallback, delivery context done",
			"provider", primary,
			"kind", primaryErr.Kind.String(),
		)
		return Outcome{Failure: newFailure(primaryErr, causes, false)}
	}

	fallbackAdapter, err := o.registry.Resolve(fallback)
	if err != nil {
		o.logger.Warn("fallback provider not registered, returning primary failure",
			"provider", primary,
			"fallback", fallback,
			"kind", primaryErr.Kind.String(),
		)
		return Outcome{Failure: newFailure(primaryErr, causes, false)}
	}

	o.logger.Info("primary provider failed, trying fallback",
		"provider", primary,
		"fallback", fallback,
		"kind", primaryErr.Kind.String(),
		"error", primaryErr.Message,
	)

	resp, fallbackErr := o.send(ctx, fallbackAdapter, fallback, params, true)
	if fallbackErr == nil {
		return Outcome{Response: resp}
	}

	causes = append(causes, fallbackErr)
	return Outcome{Failure: newFailure(fallbackErr, causes, true)}
}

// send makes one adapter call and classifies its error.
func (o *Orchestrator) send(ctx context.Context, adapter provider.Adapter, name string, params email.Params, isFallback bool) (*email.SendResponse, *provider.Error) {
	ctx, span := o.tracer.Start(ctx, "provider.Send", trace.WithAttributes(
		attribute.String("provider.name", name),
		attribute.Bool("delivery.fallback", isFallback),
	))
	defer span.End()

	if o.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.attemptTimeout)
		defer cancel()
	}

	resp, err := adapter.Send(ctx, params)
	if err == nil && resp == nil {
		err = provider.NewRetryable(name, "adapter returned no response", nil)
	}
	if err != nil {
		perr := provider.Classify(name, err)
		span.RecordError(perr)
		span.SetAttributes(attribute.String("provider.error_kind", perr.Kind.String()))
		span.SetStatus(codes.Error, perr.Message)
		return nil, perr
	}

	span.SetAttributes(attribute.String("provider.message_id", resp.MessageID))
	return resp, nil
}
