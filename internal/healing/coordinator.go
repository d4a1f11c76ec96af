/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package healing relocates allocations away from failed resources.
// Each affected allocation either moves to a substitute that matches
// the reservation's own filter, or is flushed so the shortfall is
// visible on the reservation. Either way the owning lease is flagged
// degraded; healing sets flags and never clears them.
package healing

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/matcher"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/properties"
	"github.com/KTH-EXPECA/blazar/internal/provider"
	"github.com/KTH-EXPECA/blazar/internal/store"
	"github.com/KTH-EXPECA/blazar/internal/telemetry"
)

// farFuture stands in for "no horizon" when the healing interval is
// unbounded.
var farFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// ReservationFlags reports what healing did to one reservation.
type ReservationFlags struct {
	MissingResources bool
	ResourcesChanged bool
}

// Coordinator heals reservations of one resource type.
type Coordinator struct {
	store   *store.Store
	matcher *matcher.Matcher
	adapter provider.Adapter
	horizon time.Duration // 0 means unbounded
	bus     events.Publisher
	logger  zerolog.Logger
	nowFn   func() time.Time
}

// New builds a coordinator. horizon bounds how far ahead affected
// leases are considered; zero disables the bound.
func New(st *store.Store, m *matcher.Matcher, adapter provider.Adapter, horizon time.Duration, bus events.Publisher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		matcher: m,
		adapter: adapter,
		horizon: horizon,
		bus:     bus,
		logger:  logger.With().Str("component", "healing").Str("resource_type", adapter.ResourceType()).Logger(),
		nowFn:   time.Now,
	}
}

// Heal relocates or flushes every allocation sitting on the failed
// resources within the healing horizon. It returns the flags set per
// reservation id. Healing is idempotent: a second pass over the same
// failures finds no allocations left on them.
func (c *Coordinator) Heal(ctx context.Context, failedIDs []string) (map[string]ReservationFlags, error) {
	ctx, span := telemetry.StartSpan(ctx, "blazar/healing", "healing.Heal")
	defer span.End()

	now := c.nowFn()
	end := farFuture
	if c.horizon > 0 {
		end = now.Add(c.horizon)
	}

	affected, err := c.store.AllocationsOnResources(ctx, c.adapter.ResourceType(), failedIDs, now, end)
	if err != nil {
		telemetry.HealingRuns.WithLabelValues(c.adapter.ResourceType(), "error").Inc()
		return nil, err
	}

	flags := make(map[string]ReservationFlags)
	for _, entry := range affected {
		flag, err := c.healAllocation(ctx, now, entry)
		if err != nil {
			c.logger.Error().Err(err).
				Str("allocation_id", entry.Allocation.ID).
				Str("reservation_id", entry.Reservation.ID).
				Msg("healing allocation failed")
			continue
		}
		merged := flags[entry.Reservation.ID]
		merged.MissingResources = merged.MissingResources || flag.MissingResources
		merged.ResourcesChanged = merged.ResourcesChanged || flag.ResourcesChanged
		flags[entry.Reservation.ID] = merged
	}

	for reservationID, flag := range flags {
		updates := map[string]any{}
		if flag.MissingResources {
			updates["missing_resources"] = true
		}
		if flag.ResourcesChanged {
			updates["resources_changed"] = true
		}
		if len(updates) == 0 {
			continue
		}
		if err := c.store.UpdateReservation(ctx, reservationID, updates); err != nil {
			c.logger.Error().Err(err).Str("reservation_id", reservationID).Msg("persisting healing flags")
		}
	}

	telemetry.HealingRuns.WithLabelValues(c.adapter.ResourceType(), "ok").Inc()
	return flags, nil
}

// healAllocation moves one allocation off its failed resource, or
// flushes it when no substitute qualifies. The owning lease is marked
// degraded in both cases.
func (c *Coordinator) healAllocation(ctx context.Context, now time.Time, entry store.AffectedAllocation) (ReservationFlags, error) {
	var flags ReservationFlags

	filter, err := properties.ParseString(entry.Reservation.Filter)
	if err != nil {
		return flags, err
	}

	// Relocation only has to cover the remainder of the lease.
	start := entry.Lease.StartDate
	if start.Before(now) {
		start = now
	}

	substitute, err := c.relocate(ctx, start, entry, filter)
	if err != nil {
		return flags, err
	}
	if err := c.store.MarkLeaseDegraded(ctx, entry.Lease.ID); err != nil {
		return flags, err
	}

	if substitute == "" {
		flags.MissingResources = true
		telemetry.HealedAllocations.WithLabelValues(entry.Reservation.ResourceType, "flushed").Inc()
		c.bus.Publish(events.EventReservationFlushed, events.Payload{
			"reservation_id": entry.Reservation.ID,
			"lease_id":       entry.Lease.ID,
			"resource_id":    entry.Allocation.ResourceID,
		})
		c.logger.Warn().
			Str("reservation_id", entry.Reservation.ID).
			Str("resource_id", entry.Allocation.ResourceID).
			Msg("no substitute resource, allocation flushed")
		return flags, nil
	}

	if entry.Reservation.Status == models.ReservationActive {
		if err := c.rebind(ctx, entry, substitute); err != nil {
			c.logger.Error().Err(err).
				Str("reservation_id", entry.Reservation.ID).
				Str("resource_id", substitute).
				Msg("rebinding healed allocation")
		}
		flags.ResourcesChanged = true
	}

	telemetry.HealedAllocations.WithLabelValues(entry.Reservation.ResourceType, "moved").Inc()
	c.bus.Publish(events.EventReservationHealed, events.Payload{
		"reservation_id": entry.Reservation.ID,
		"lease_id":       entry.Lease.ID,
		"from":           entry.Allocation.ResourceID,
		"to":             substitute,
	})
	c.logger.Info().
		Str("reservation_id", entry.Reservation.ID).
		Str("from", entry.Allocation.ResourceID).
		Str("to", substitute).
		Msg("allocation healed")
	return flags, nil
}

// relocate finds a substitute for the allocation's failed resource and
// swaps the allocation onto it, or destroys the allocation when none
// qualifies. The read-then-write runs under the matcher's commit guard
// so a concurrent reserve or update cannot claim the substitute between
// the match and the swap. An empty substitute means the allocation was
// flushed.
func (c *Coordinator) relocate(ctx context.Context, start time.Time, entry store.AffectedAllocation, filter properties.Filter) (string, error) {
	guard := c.matcher.Guard()
	guard.Lock()
	defer guard.Unlock()

	ids, err := c.matcher.Match(ctx, matcher.Request{
		ResourceType: entry.Reservation.ResourceType,
		Filter:       filter,
		Min:          1,
		Max:          1,
		Start:        start,
		End:          entry.Lease.EndDate,
		ProjectID:    entry.Lease.ProjectID,
	})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", c.store.DestroyAllocation(ctx, entry.Allocation.ID)
	}
	return ids[0], c.store.UpdateAllocationResource(ctx, entry.Allocation.ID, ids[0])
}

// rebind swaps provider bindings for an active reservation: unbind the
// failed resource, bind the substitute.
func (c *Coordinator) rebind(ctx context.Context, entry store.AffectedAllocation, substitute string) error {
	old, err := c.store.GetResource(ctx, entry.Allocation.ResourceID)
	if err == nil {
		if derr := c.adapter.Deallocate(ctx, &entry.Reservation, &entry.Lease, []models.Resource{*old}); derr != nil {
			c.logger.Warn().Err(derr).Str("resource_id", old.ID).Msg("unbinding failed resource")
		}
	}
	fresh, err := c.store.GetResource(ctx, substitute)
	if err != nil {
		return err
	}
	return c.adapter.Allocate(ctx, &entry.Reservation, &entry.Lease, []models.Resource{*fresh})
}
