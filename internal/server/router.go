// Package server resolves event targets and fans events out to the target
// users' live sessions.
package server

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// MembershipResolver resolves a group identifier to its current member user
// identities. Backed by the relational store; consumed, not implemented, by
// the router.
type MembershipResolver interface {
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
}

// MessageStore persists chat messages. When attached to the router, message
// events are written before fan-out so a delivered live event always has a
// stored counterpart.
type MessageStore interface {
	SaveMessage(ctx context.Context, evt *Event) error
}

// ErrNoResolver is reported when a group event arrives and no
// MembershipResolver is configured.
var ErrNoResolver = errors.New("no membership resolver configured")

// DeliveryPolicy controls whether an event echoes back to the sender's other
// sessions. The originating session never receives its own event.
type DeliveryPolicy struct {
	// EchoMessagesToSender delivers message events to the sender's other
	// sessions so multiple devices stay in sync.
	EchoMessagesToSender bool
	// EchoTypingToSender does the same for typing and presence events.
	EchoTypingToSender bool
}

// DeliveryReport aggregates the outcome of one routed event. Delivery is
// best-effort, at-most-once per live session; nothing here is surfaced to
// the sender.
type DeliveryReport struct {
	// Delivered counts sessions that accepted the enqueue.
	Delivered int
	// Dropped counts sessions that refused the enqueue (queue full or
	// closing under us).
	Dropped int
	// Offline lists target identities with zero live sessions.
	Offline []int64
	// ResolveErr is set when group membership could not be resolved; the
	// event was delivered to nobody.
	ResolveErr error
	// StoreErr is set when persistence failed; fan-out still proceeded.
	StoreErr error
}

// Router determines the target identity set for an inbound event and hands
// it to the registry's sessions for delivery.
type Router struct {
	registry Registry
	resolver MembershipResolver
	store    MessageStore
	policy   DeliveryPolicy
	metrics  *Metrics
	log      zerolog.Logger
}

// NewRouter creates a router over the given registry. resolver and store may
// be nil; group events then resolve to nobody and messages are not
// persisted.
func NewRouter(reg Registry, resolver MembershipResolver, store MessageStore, policy DeliveryPolicy, logger zerolog.Logger, metrics *Metrics) *Router {
	return &Router{
		registry: reg,
		resolver: resolver,
		store:    store,
		policy:   policy,
		metrics:  metrics,
		log:      logger.With().Str("component", "router").Logger(),
	}
}

// Route validates the event, resolves its target set, and enqueues the
// serialized event onto every live session of every target. origin, when
// non-nil, is the session the event arrived on and is always skipped.
//
// The only returned error is a validation failure; resolver and store
// failures are scoped to the event and reported in the DeliveryReport.
func (rt *Router) Route(ctx context.Context, origin *Session, evt *Event) (DeliveryReport, error) {
	var report DeliveryReport

	if err := evt.Validate(); err != nil {
		return report, err
	}
	rt.metrics.recordEventRouted(evt.Type)

	if rt.store != nil && evt.Type == EventMessage {
		if err := rt.store.SaveMessage(ctx, evt); err != nil {
			report.StoreErr = err
			rt.log.Error().Err(err).Int64("sender", evt.UserID).Msg("message persistence failed")
		}
	}

	targets, err := rt.resolveTargets(ctx, evt)
	if err != nil {
		report.ResolveErr = err
		rt.log.Error().Err(err).Int64("group_id", groupOf(evt)).Msg("membership resolution failed")
		return report, nil
	}

	payload, err := evt.Encode()
	if err != nil {
		return report, err
	}

	for _, identity := range targets {
		sessions := rt.registry.SessionsFor(identity)
		for _, sess := range sessions {
			if sess == origin {
				continue
			}
			switch enqErr := sess.Enqueue(payload); enqErr {
			case nil:
				report.Delivered++
			default:
				report.Dropped++
				rt.log.Debug().Err(enqErr).Int64("user_id", identity).Str("session_id", sess.ID()).Msg("delivery dropped")
			}
		}
		if len(sessions) == 0 {
			report.Offline = append(report.Offline, identity)
		}
	}

	rt.metrics.recordDelivery(report.Delivered, report.Dropped)
	return report, nil
}

// resolveTargets computes the identity set the event should reach. Group
// membership is a snapshot taken at resolution time; later membership
// changes do not affect this delivery.
func (rt *Router) resolveTargets(ctx context.Context, evt *Event) ([]int64, error) {
	if evt.IsDirect() {
		return []int64{*evt.ReceiverID}, nil
	}

	if rt.resolver == nil {
		return nil, ErrNoResolver
	}
	members, err := rt.resolver.MembersOf(ctx, *evt.GroupID)
	if err != nil {
		return nil, err
	}

	if rt.echoToSender(evt.Type) {
		return members, nil
	}
	targets := make([]int64, 0, len(members))
	for _, m := range members {
		if m != evt.UserID {
			targets = append(targets, m)
		}
	}
	return targets, nil
}

func (rt *Router) echoToSender(kind string) bool {
	if kind == EventMessage {
		return rt.policy.EchoMessagesToSender
	}
	return rt.policy.EchoTypingToSender
}

func groupOf(evt *Event) int64 {
	if evt.GroupID != nil {
		return *evt.GroupID
	}
	return 0
}
