/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package engine drives the reservation lifecycle for one resource type:
// candidate matching, allocation commits, lease start/end actions and
// in-place updates. All match-then-commit sequences run under the
// matcher's commit guard, shared with the healing coordinator, so two
// concurrent writers cannot both observe the last free resource.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/matcher"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/period"
	"github.com/KTH-EXPECA/blazar/internal/properties"
	"github.com/KTH-EXPECA/blazar/internal/provider"
	"github.com/KTH-EXPECA/blazar/internal/store"
	"github.com/KTH-EXPECA/blazar/internal/telemetry"
)

const tracerName = "blazar/engine"

// Request carries the validated parameters of one reservation.
type Request struct {
	Min       int
	Max       int
	Filter    properties.Filter
	BeforeEnd models.BeforeEndAction
}

// UpdateRequest carries the fields an update may change. Nil pointers
// leave the current value untouched; NewStart/NewEnd always carry the
// lease window the update targets.
type UpdateRequest struct {
	NewStart  time.Time
	NewEnd    time.Time
	Min       *int
	Max       *int
	Filter    *properties.Filter
	BeforeEnd *models.BeforeEndAction
}

// Engine manages reservations of a single resource type.
type Engine struct {
	store            *store.Store
	matcher          *matcher.Matcher
	adapter          provider.Adapter
	resourceType     string
	margin           time.Duration
	beforeEndDefault models.BeforeEndAction
	bus              events.Publisher
	logger           zerolog.Logger
}

// New builds an engine for the adapter's resource type.
func New(st *store.Store, m *matcher.Matcher, adapter provider.Adapter, margin time.Duration, beforeEndDefault models.BeforeEndAction, bus events.Publisher, logger zerolog.Logger) *Engine {
	return &Engine{
		store:            st,
		matcher:          m,
		adapter:          adapter,
		resourceType:     adapter.ResourceType(),
		margin:           margin,
		beforeEndDefault: beforeEndDefault,
		bus:              bus,
		logger:           logger.With().Str("component", "engine").Str("resource_type", adapter.ResourceType()).Logger(),
	}
}

// ResourceType returns the resource type this engine manages.
func (e *Engine) ResourceType() string { return e.resourceType }

// ParseCounts validates the raw min/max parameters of a reservation.
func ParseCounts(minRaw, maxRaw string) (int, int, error) {
	if minRaw == "" {
		return 0, 0, fmt.Errorf("%w: min", ErrMissingParameter)
	}
	if maxRaw == "" {
		return 0, 0, fmt.Errorf("%w: max", ErrMissingParameter)
	}
	min, err := strconv.Atoi(minRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: min %q", ErrMalformedParameter, minRaw)
	}
	max, err := strconv.Atoi(maxRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: max %q", ErrMalformedParameter, maxRaw)
	}
	if err := validateCounts(min, max); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

func validateCounts(min, max int) error {
	if min < 1 {
		return fmt.Errorf("%w: min %d must be at least 1", ErrInvalidRange, min)
	}
	if max < min {
		return fmt.Errorf("%w: max %d below min %d", ErrInvalidRange, max, min)
	}
	return nil
}

// Reserve matches resources for the lease window and commits a new
// pending reservation with its allocations, atomically.
func (e *Engine) Reserve(ctx context.Context, lease *models.Lease, req Request) (*models.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "engine.Reserve")
	defer span.End()

	if err := validateCounts(req.Min, req.Max); err != nil {
		return nil, err
	}
	if req.BeforeEnd != "" && !models.ValidBeforeEnd(req.BeforeEnd) {
		return nil, fmt.Errorf("%w: before_end %q", ErrMalformedParameter, req.BeforeEnd)
	}

	guard := e.matcher.Guard()
	guard.Lock()
	defer guard.Unlock()

	ids, err := e.matcher.Match(ctx, matcher.Request{
		ResourceType: e.resourceType,
		Filter:       req.Filter,
		Min:          req.Min,
		Max:          req.Max,
		Start:        lease.StartDate,
		End:          lease.EndDate,
		ProjectID:    lease.ProjectID,
	})
	if err != nil {
		return nil, err
	}
	telemetry.MatcherCandidates.WithLabelValues(e.resourceType).Observe(float64(len(ids)))
	if len(ids) < req.Min {
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "reserve", "rejected").Inc()
		return nil, ErrNotEnoughResources
	}

	reservation := &models.Reservation{
		LeaseID:      lease.ID,
		ResourceType: e.resourceType,
		Status:       models.ReservationPending,
		MinCount:     req.Min,
		MaxCount:     req.Max,
		Filter:       req.Filter.String(),
		BeforeEnd:    req.BeforeEnd,
	}
	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		for _, id := range ids {
			alloc := &models.Allocation{ReservationID: reservation.ID, ResourceID: id}
			if err := tx.CreateAllocation(ctx, alloc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "reserve", "error").Inc()
		return nil, err
	}

	e.logger.Info().
		Str("lease_id", lease.ID).
		Str("reservation_id", reservation.ID).
		Int("allocated", len(ids)).
		Msg("reservation created")
	telemetry.ReservationOps.WithLabelValues(e.resourceType, "reserve", "ok").Inc()
	return reservation, nil
}

// Update reshapes an existing reservation for a possibly-changed lease
// window, filter or count range. When nothing changed and the window
// only shrank or stayed put, no allocation is touched. Removals from an
// active reservation are refused rather than silently reallocated.
func (e *Engine) Update(ctx context.Context, lease *models.Lease, reservation *models.Reservation, req UpdateRequest) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "engine.Update")
	defer span.End()

	newMin, newMax := reservation.MinCount, reservation.MaxCount
	if req.Min != nil {
		newMin = *req.Min
	}
	if req.Max != nil {
		newMax = *req.Max
	}
	if err := validateCounts(newMin, newMax); err != nil {
		return err
	}
	newFilter, err := properties.ParseString(reservation.Filter)
	if err != nil {
		return err
	}
	if req.Filter != nil {
		newFilter = *req.Filter
	}
	if req.BeforeEnd != nil && *req.BeforeEnd != "" && !models.ValidBeforeEnd(*req.BeforeEnd) {
		return fmt.Errorf("%w: before_end %q", ErrMalformedParameter, *req.BeforeEnd)
	}

	guard := e.matcher.Guard()
	guard.Lock()
	defer guard.Unlock()

	allocations, err := e.store.AllocationsForReservation(ctx, reservation.ID)
	if err != nil {
		return err
	}

	filterChanged := newFilter.String() != reservation.Filter
	countsChanged := newMin != reservation.MinCount || newMax != reservation.MaxCount
	widened := req.NewStart.Before(lease.StartDate) || req.NewEnd.After(lease.EndDate)

	if !filterChanged && !countsChanged && !widened &&
		(req.BeforeEnd == nil || *req.BeforeEnd == reservation.BeforeEnd) {
		return nil
	}

	toRemove, err := e.allocationsToRemove(ctx, lease, reservation, allocations, newFilter, newMax, req.NewStart, req.NewEnd, widened)
	if err != nil {
		return err
	}

	active := reservation.Status == models.ReservationActive
	if len(toRemove) > 0 && active {
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "update", "rejected").Inc()
		return ErrNotEnoughResources
	}

	kept := len(allocations) - len(toRemove)
	var added []string
	if kept < newMax {
		needMin := newMin - kept
		if needMin < 0 {
			needMin = 0
		}
		added, err = e.matcher.Match(ctx, matcher.Request{
			ResourceType: e.resourceType,
			Filter:       newFilter,
			Min:          needMin,
			Max:          newMax - kept,
			Start:        req.NewStart,
			End:          req.NewEnd,
			ProjectID:    lease.ProjectID,
		})
		if err != nil {
			return err
		}
		if len(added) < needMin {
			telemetry.ReservationOps.WithLabelValues(e.resourceType, "update", "rejected").Inc()
			return ErrNotEnoughResources
		}
	}
	if kept+len(added) < newMin {
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "update", "rejected").Inc()
		return ErrNotEnoughResources
	}

	updates := map[string]any{
		"min_count": newMin,
		"max_count": newMax,
		"filter":    newFilter.String(),
	}
	if req.BeforeEnd != nil {
		updates["before_end"] = *req.BeforeEnd
	}
	if active && len(added) > 0 {
		updates["resources_changed"] = true
	}

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		for _, id := range added {
			alloc := &models.Allocation{ReservationID: reservation.ID, ResourceID: id}
			if err := tx.CreateAllocation(ctx, alloc); err != nil {
				return err
			}
		}
		for _, alloc := range toRemove {
			if err := tx.DestroyAllocation(ctx, alloc.ID); err != nil {
				return err
			}
		}
		return tx.UpdateReservation(ctx, reservation.ID, updates)
	})
	if err != nil {
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "update", "error").Inc()
		return err
	}

	if active && len(added) > 0 {
		resources, err := e.resourcesByID(ctx, added)
		if err != nil {
			return err
		}
		if err := e.adapter.Allocate(ctx, reservation, lease, resources); err != nil {
			return &ProvisioningError{ReservationID: reservation.ID, ResourceIDs: added, Err: err}
		}
	}

	reservation.MinCount = newMin
	reservation.MaxCount = newMax
	reservation.Filter = newFilter.String()
	if req.BeforeEnd != nil {
		reservation.BeforeEnd = *req.BeforeEnd
	}

	e.logger.Info().
		Str("reservation_id", reservation.ID).
		Int("added", len(added)).
		Int("removed", len(toRemove)).
		Msg("reservation updated")
	telemetry.ReservationOps.WithLabelValues(e.resourceType, "update", "ok").Inc()
	return nil
}

// allocationsToRemove collects allocations the new shape can no longer
// keep: resources the new filter rejects, and, when the window widened,
// resources already booked somewhere inside the new window.
func (e *Engine) allocationsToRemove(ctx context.Context, lease *models.Lease, reservation *models.Reservation, allocations []models.Allocation, newFilter properties.Filter, newMax int, newStart, newEnd time.Time, widened bool) ([]models.Allocation, error) {
	all, err := e.store.ListResources(ctx, e.resourceType)
	if err != nil {
		return nil, err
	}
	matching := make(map[string]bool, len(all))
	for _, resource := range all {
		if newFilter.Matches(resource.AttributeMap()) && resource.ProjectAllowed(lease.ProjectID) {
			matching[resource.ID] = true
		}
	}

	var toRemove []models.Allocation
	kept := 0
	for _, alloc := range allocations {
		if !matching[alloc.ResourceID] {
			toRemove = append(toRemove, alloc)
			continue
		}
		if widened {
			bookings, err := e.store.Bookings(ctx, alloc.ResourceID, reservation.ID)
			if err != nil {
				return nil, err
			}
			busy := period.Reserved(bookings, period.Interval{Start: newStart, End: newEnd}, e.margin)
			if len(busy) > 0 {
				toRemove = append(toRemove, alloc)
				continue
			}
		}
		kept++
		if kept > newMax {
			toRemove = append(toRemove, alloc)
			kept--
		}
	}
	return toRemove, nil
}

// OnStart binds the reservation's resources through the provider and
// flips the reservation to active. A provider failure leaves the
// reservation in the error state with the failed resources recorded.
func (e *Engine) OnStart(ctx context.Context, lease *models.Lease, reservation *models.Reservation) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "engine.OnStart")
	defer span.End()

	allocations, err := e.store.AllocationsForReservation(ctx, reservation.ID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(allocations))
	for _, alloc := range allocations {
		ids = append(ids, alloc.ResourceID)
	}
	resources, err := e.resourcesByID(ctx, ids)
	if err != nil {
		return err
	}

	if err := e.adapter.Allocate(ctx, reservation, lease, resources); err != nil {
		updates := map[string]any{
			"status":           models.ReservationError,
			"failed_resources": strings.Join(ids, ","),
		}
		if uerr := e.store.UpdateReservation(ctx, reservation.ID, updates); uerr != nil {
			e.logger.Error().Err(uerr).Str("reservation_id", reservation.ID).Msg("recording provisioning failure")
		}
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "on_start", "error").Inc()
		return &ProvisioningError{ReservationID: reservation.ID, ResourceIDs: ids, Err: err}
	}

	if err := e.store.UpdateReservation(ctx, reservation.ID, map[string]any{"status": models.ReservationActive}); err != nil {
		return err
	}
	reservation.Status = models.ReservationActive
	telemetry.ReservationOps.WithLabelValues(e.resourceType, "on_start", "ok").Inc()
	return nil
}

// OnEnd releases the reservation's resources and marks it completed.
// Calling it on an already-completed reservation is a no-op.
func (e *Engine) OnEnd(ctx context.Context, lease *models.Lease, reservation *models.Reservation) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "engine.OnEnd")
	defer span.End()

	if reservation.Status == models.ReservationCompleted {
		return nil
	}
	wasActive := reservation.Status == models.ReservationActive

	allocations, err := e.store.AllocationsForReservation(ctx, reservation.ID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(allocations))
	for _, alloc := range allocations {
		ids = append(ids, alloc.ResourceID)
	}

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.UpdateReservation(ctx, reservation.ID, map[string]any{"status": models.ReservationCompleted}); err != nil {
			return err
		}
		for _, alloc := range allocations {
			if err := tx.DestroyAllocation(ctx, alloc.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		telemetry.ReservationOps.WithLabelValues(e.resourceType, "on_end", "error").Inc()
		return err
	}
	reservation.Status = models.ReservationCompleted

	if wasActive && len(ids) > 0 {
		resources, err := e.resourcesByID(ctx, ids)
		if err != nil {
			return err
		}
		if err := e.adapter.Deallocate(ctx, reservation, lease, resources); err != nil {
			// Allocations are already released; unbinding failures are
			// logged and left to the operator.
			e.logger.Error().Err(err).Str("reservation_id", reservation.ID).Msg("provider deallocate failed")
		}
	}
	telemetry.ReservationOps.WithLabelValues(e.resourceType, "on_end", "ok").Inc()
	return nil
}

// BeforeEnd runs the reservation's before-end action shortly before the
// lease expires. An empty or "default" action resolves to the
// engine-wide default.
func (e *Engine) BeforeEnd(ctx context.Context, lease *models.Lease, reservation *models.Reservation) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "engine.BeforeEnd")
	defer span.End()

	action := reservation.BeforeEnd
	if action == "" || action == models.BeforeEndDefault {
		action = e.beforeEndDefault
	}

	switch action {
	case models.BeforeEndNone:
		return nil
	case models.BeforeEndNotify:
		e.bus.Publish(events.EventLeaseBeforeEnd, events.Payload{
			"lease_id":       lease.ID,
			"reservation_id": reservation.ID,
			"project_id":     lease.ProjectID,
			"end_date":       lease.EndDate,
		})
		return nil
	case models.BeforeEndSnapshot:
		snapshotter, ok := e.adapter.(provider.Snapshotter)
		if !ok {
			e.logger.Warn().
				Str("reservation_id", reservation.ID).
				Msg("snapshot requested but driver cannot snapshot")
			return nil
		}
		allocations, err := e.store.AllocationsForReservation(ctx, reservation.ID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(allocations))
		for _, alloc := range allocations {
			ids = append(ids, alloc.ResourceID)
		}
		resources, err := e.resourcesByID(ctx, ids)
		if err != nil {
			return err
		}
		return snapshotter.Snapshot(ctx, reservation, lease, resources)
	default:
		return fmt.Errorf("%w: before_end %q", ErrMalformedParameter, action)
	}
}

func (e *Engine) resourcesByID(ctx context.Context, ids []string) ([]models.Resource, error) {
	resources := make([]models.Resource, 0, len(ids))
	for _, id := range ids {
		resource, err := e.store.GetResource(ctx, id)
		if err != nil {
			return nil, err
		}
		resources = append(resources, *resource)
	}
	return resources, nil
}
