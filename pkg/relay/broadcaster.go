// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiku/relaybridge/pkg/config"
)

// Receiver is a platform adapter that can apply relayed events to its own
// platform.
type Receiver interface {
	// Source returns the platform the receiver writes to.
	Source() Source
	// Receive applies the event to the group's destination on this platform.
	Receive(ctx context.Context, group *config.Group, evt Event) error
}

// Broadcaster fans events out to every registered receiver except the one
// the event came from.
type Broadcaster struct {
	log     zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu        sync.Mutex
	receivers []Receiver
	sealed    bool
}

// NewBroadcaster creates a broadcaster with no receivers. metrics may be nil.
func NewBroadcaster(log zerolog.Logger, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		log:     log.With().Str("component", "broadcaster").Logger(),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/aiku/relaybridge/pkg/relay"),
	}
}

// AddReceiver registers a receiver. Receivers must be registered before the
// first call to Broadcast.
func (b *Broadcaster) AddReceiver(r Receiver) error {
	if !r.Source().Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownSource, r.Source())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrBroadcasterSealed
	}
	b.receivers = append(b.receivers, r)
	b.log.Debug().Stringer("source", r.Source()).Msg("Registered receiver")
	return nil
}

// Receivers returns the registered receivers in registration order.
func (b *Broadcaster) Receivers() []Receiver {
	return b.snapshot()
}

func (b *Broadcaster) snapshot() []Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return b.receivers
}

// Broadcast delivers evt to every receiver whose source differs from origin,
// in registration order. The first receiver error stops delivery and is
// returned as a *DeliveryError; receivers already called are not rolled back.
// Receivers get a logger tagged with the event in ctx (see zerolog.Ctx).
func (b *Broadcaster) Broadcast(ctx context.Context, group *config.Group, evt Event, origin Source) error {
	kind := EventKind(evt)
	log := b.log.With().
		Str("group", group.Name).
		Str("event", kind).
		Uint64("message_id", evt.MessageID()).
		Stringer("origin", origin).
		Logger()

	ctx, span := b.tracer.Start(ctx, "relay.Broadcast", trace.WithAttributes(
		attribute.String("relay.group", group.Name),
		attribute.String("relay.event", kind),
		attribute.String("relay.origin", origin.String()),
		attribute.Int64("relay.message_id", int64(evt.MessageID())),
	))
	defer span.End()

	for _, r := range b.snapshot() {
		if r.Source() == origin {
			b.metrics.observe(r.Source(), kind, resultEcho)
			continue
		}
		if err := b.deliver(ctx, log, r, group, evt); err != nil {
			b.metrics.observe(r.Source(), kind, resultFailed)
			log.Warn().Err(err).Stringer("target", r.Source()).Msg("Delivery failed, aborting broadcast")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return &DeliveryError{Source: r.Source(), Event: kind, Err: err}
		}
		b.metrics.observe(r.Source(), kind, resultDelivered)
		log.Debug().Stringer("target", r.Source()).Msg("Delivered event")
	}
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, log zerolog.Logger, r Receiver, group *config.Group, evt Event) error {
	ctx, span := b.tracer.Start(ctx, "relay.Receive", trace.WithAttributes(
		attribute.String("relay.target", r.Source().String()),
	))
	defer span.End()
	ctx = log.With().Stringer("target", r.Source()).Logger().WithContext(ctx)
	err := r.Receive(ctx, group, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
