/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package manager orchestrates leases across resource types: it owns
// lease validation, policy enforcement, the per-reservation engine
// calls and the scheduled lifecycle events. Reservation mechanics stay
// in the engines; the manager only sequences them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/enforcement"
	"github.com/KTH-EXPECA/blazar/internal/engine"
	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/properties"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

var (
	// ErrInvalidDates means the lease window is inverted or in the past.
	ErrInvalidDates = errors.New("invalid lease dates")

	// ErrUnknownResourceType means no engine serves the requested type.
	ErrUnknownResourceType = errors.New("unknown resource type")

	// ErrLeaseFinished means the lease already terminated or failed.
	ErrLeaseFinished = errors.New("lease already finished")
)

// ReservationSpec describes one reservation in a lease request.
type ReservationSpec struct {
	ResourceType string
	Min          string
	Max          string
	Filter       []string
	BeforeEnd    models.BeforeEndAction
}

// CreateLeaseRequest carries a new lease.
type CreateLeaseRequest struct {
	Name         string
	ProjectID    string
	UserID       string
	StartDate    time.Time
	EndDate      time.Time
	Reservations []ReservationSpec
}

// ReservationUpdate targets one existing reservation in a lease update.
type ReservationUpdate struct {
	ID        string
	Min       *int
	Max       *int
	Filter    []string
	BeforeEnd *models.BeforeEndAction
}

// UpdateLeaseRequest carries a lease update. Nil fields keep the
// current value.
type UpdateLeaseRequest struct {
	Name         *string
	StartDate    *time.Time
	EndDate      *time.Time
	Reservations []ReservationUpdate
}

// Manager sequences lease lifecycle operations.
type Manager struct {
	store         *store.Store
	engines       map[string]*engine.Engine
	chain         *enforcement.Chain
	bus           events.Publisher
	beforeEndLead time.Duration
	logger        zerolog.Logger
	nowFn         func() time.Time
}

// New builds a manager over the given engines, keyed by resource type.
// beforeEndLead is how long before lease end the before-end event fires.
func New(st *store.Store, engines map[string]*engine.Engine, chain *enforcement.Chain, bus events.Publisher, beforeEndLead time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:         st,
		engines:       engines,
		chain:         chain,
		bus:           bus,
		beforeEndLead: beforeEndLead,
		logger:        logger.With().Str("component", "manager").Logger(),
		nowFn:         time.Now,
	}
}

func (m *Manager) engineFor(resourceType string) (*engine.Engine, error) {
	eng, ok := m.engines[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResourceType, resourceType)
	}
	return eng, nil
}

// GetLease loads a lease with reservations and events.
func (m *Manager) GetLease(ctx context.Context, id string) (*models.Lease, error) {
	return m.store.GetLease(ctx, id)
}

// ListLeases lists live leases, optionally scoped to a project.
func (m *Manager) ListLeases(ctx context.Context, projectID string) ([]models.Lease, error) {
	return m.store.ListLeases(ctx, projectID)
}

// CreateLease validates, enforces policy and reserves capacity for
// every requested reservation. Either the whole lease lands or nothing
// does: a failed reservation unwinds everything created before it.
func (m *Manager) CreateLease(ctx context.Context, req CreateLeaseRequest) (*models.Lease, error) {
	now := m.nowFn()
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name", engine.ErrMissingParameter)
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, fmt.Errorf("%w: start %s not before end %s", ErrInvalidDates, req.StartDate, req.EndDate)
	}
	if req.EndDate.Before(now) {
		return nil, fmt.Errorf("%w: end %s already passed", ErrInvalidDates, req.EndDate)
	}
	if len(req.Reservations) == 0 {
		return nil, fmt.Errorf("%w: reservations", engine.ErrMissingParameter)
	}

	lease := &models.Lease{
		Name:      req.Name,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Status:    models.LeasePending,
	}
	if err := m.chain.CheckCreate(ctx, lease); err != nil {
		return nil, err
	}

	// Resolve engines and parse parameters before touching storage.
	type pending struct {
		eng *engine.Engine
		req engine.Request
	}
	parsed := make([]pending, 0, len(req.Reservations))
	for _, spec := range req.Reservations {
		eng, err := m.engineFor(spec.ResourceType)
		if err != nil {
			return nil, err
		}
		min, max, err := engine.ParseCounts(spec.Min, spec.Max)
		if err != nil {
			return nil, err
		}
		filter, err := properties.Parse(spec.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: filter: %v", engine.ErrMalformedParameter, err)
		}
		parsed = append(parsed, pending{eng: eng, req: engine.Request{
			Min:       min,
			Max:       max,
			Filter:    filter,
			BeforeEnd: spec.BeforeEnd,
		}})
	}

	if err := m.store.CreateLease(ctx, lease); err != nil {
		return nil, err
	}

	created := make([]*models.Reservation, 0, len(parsed))
	for _, p := range parsed {
		reservation, err := p.eng.Reserve(ctx, lease, p.req)
		if err != nil {
			m.unwind(ctx, lease, created)
			return nil, err
		}
		created = append(created, reservation)
	}

	if err := m.scheduleEvents(ctx, lease); err != nil {
		m.unwind(ctx, lease, created)
		return nil, err
	}

	m.bus.Publish(events.EventLeaseCreated, events.Payload{
		"lease_id":   lease.ID,
		"project_id": lease.ProjectID,
	})
	m.logger.Info().
		Str("lease_id", lease.ID).
		Str("project_id", lease.ProjectID).
		Int("reservations", len(created)).
		Msg("lease created")
	return m.store.GetLease(ctx, lease.ID)
}

// unwind tears down a partially-created lease.
func (m *Manager) unwind(ctx context.Context, lease *models.Lease, reservations []*models.Reservation) {
	for _, reservation := range reservations {
		allocations, err := m.store.AllocationsForReservation(ctx, reservation.ID)
		if err == nil {
			for _, alloc := range allocations {
				if derr := m.store.DestroyAllocation(ctx, alloc.ID); derr != nil {
					m.logger.Error().Err(derr).Str("allocation_id", alloc.ID).Msg("unwinding allocation")
				}
			}
		}
		if err := m.store.DestroyReservation(ctx, reservation.ID); err != nil {
			m.logger.Error().Err(err).Str("reservation_id", reservation.ID).Msg("unwinding reservation")
		}
	}
	if err := m.store.DestroyLease(ctx, lease.ID); err != nil {
		m.logger.Error().Err(err).Str("lease_id", lease.ID).Msg("unwinding lease")
	}
}

// scheduleEvents creates the three lifecycle events for a lease. The
// before-end event never fires earlier than lease start.
func (m *Manager) scheduleEvents(ctx context.Context, lease *models.Lease) error {
	beforeEnd := lease.EndDate.Add(-m.beforeEndLead)
	if beforeEnd.Before(lease.StartDate) {
		beforeEnd = lease.StartDate
	}
	for _, event := range []*models.Event{
		{LeaseID: lease.ID, Type: models.EventStartLease, Time: lease.StartDate, Status: models.EventUndone},
		{LeaseID: lease.ID, Type: models.EventBeforeEndLease, Time: beforeEnd, Status: models.EventUndone},
		{LeaseID: lease.ID, Type: models.EventEndLease, Time: lease.EndDate, Status: models.EventUndone},
	} {
		if err := m.store.CreateEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// UpdateLease reshapes a lease window and its reservations. The start
// of an already-started lease cannot move; the new end must not have
// passed.
func (m *Manager) UpdateLease(ctx context.Context, id string, req UpdateLeaseRequest) (*models.Lease, error) {
	lease, err := m.store.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}
	if lease.Status == models.LeaseTerminated || lease.Status == models.LeaseError {
		return nil, ErrLeaseFinished
	}

	now := m.nowFn()
	newStart, newEnd := lease.StartDate, lease.EndDate
	if req.StartDate != nil {
		newStart = *req.StartDate
	}
	if req.EndDate != nil {
		newEnd = *req.EndDate
	}
	if !newStart.Before(newEnd) {
		return nil, fmt.Errorf("%w: start %s not before end %s", ErrInvalidDates, newStart, newEnd)
	}
	if lease.Status == models.LeaseActive && !newStart.Equal(lease.StartDate) {
		return nil, fmt.Errorf("%w: cannot move start of a started lease", ErrInvalidDates)
	}
	if newEnd.Before(now) {
		return nil, fmt.Errorf("%w: end %s already passed", ErrInvalidDates, newEnd)
	}

	updated := *lease
	updated.StartDate = newStart
	updated.EndDate = newEnd
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if err := m.chain.CheckUpdate(ctx, lease, &updated); err != nil {
		return nil, err
	}

	byID := make(map[string]ReservationUpdate, len(req.Reservations))
	for _, upd := range req.Reservations {
		byID[upd.ID] = upd
	}

	reservations, err := m.store.ReservationsForLease(ctx, lease.ID)
	if err != nil {
		return nil, err
	}
	for i := range reservations {
		reservation := &reservations[i]
		eng, err := m.engineFor(reservation.ResourceType)
		if err != nil {
			return nil, err
		}
		engReq := engine.UpdateRequest{NewStart: newStart, NewEnd: newEnd}
		if upd, ok := byID[reservation.ID]; ok {
			engReq.Min = upd.Min
			engReq.Max = upd.Max
			engReq.BeforeEnd = upd.BeforeEnd
			if upd.Filter != nil {
				filter, err := properties.Parse(upd.Filter)
				if err != nil {
					return nil, fmt.Errorf("%w: filter: %v", engine.ErrMalformedParameter, err)
				}
				engReq.Filter = &filter
			}
		}
		if err := eng.Update(ctx, lease, reservation, engReq); err != nil {
			return nil, err
		}
	}

	leaseUpdates := map[string]any{
		"start_date": newStart,
		"end_date":   newEnd,
	}
	if req.Name != nil {
		leaseUpdates["name"] = *req.Name
	}
	if err := m.store.UpdateLease(ctx, lease.ID, leaseUpdates); err != nil {
		return nil, err
	}
	if err := m.rescheduleEvents(ctx, lease.ID, newStart, newEnd); err != nil {
		return nil, err
	}

	m.bus.Publish(events.EventLeaseUpdated, events.Payload{"lease_id": lease.ID})
	m.logger.Info().Str("lease_id", lease.ID).Msg("lease updated")
	return m.store.GetLease(ctx, lease.ID)
}

// rescheduleEvents moves still-pending lifecycle events to the new
// window. Events that already ran stay as they are.
func (m *Manager) rescheduleEvents(ctx context.Context, leaseID string, start, end time.Time) error {
	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	beforeEnd := end.Add(-m.beforeEndLead)
	if beforeEnd.Before(start) {
		beforeEnd = start
	}
	for _, event := range lease.Events {
		if event.Status != models.EventUndone {
			continue
		}
		var at time.Time
		switch event.Type {
		case models.EventStartLease:
			at = start
		case models.EventBeforeEndLease:
			at = beforeEnd
		case models.EventEndLease:
			at = end
		default:
			continue
		}
		if err := m.store.RescheduleEvent(ctx, event.ID, at); err != nil {
			return err
		}
	}
	return nil
}

// DeleteLease ends a started lease early, or unwinds one that never
// started, then soft-deletes it. History stays queryable.
func (m *Manager) DeleteLease(ctx context.Context, id string) error {
	lease, err := m.store.GetLease(ctx, id)
	if err != nil {
		return err
	}

	reservations, err := m.store.ReservationsForLease(ctx, lease.ID)
	if err != nil {
		return err
	}
	for i := range reservations {
		reservation := &reservations[i]
		eng, err := m.engineFor(reservation.ResourceType)
		if err != nil {
			return err
		}
		if err := eng.OnEnd(ctx, lease, reservation); err != nil {
			return err
		}
		if err := m.store.DestroyReservation(ctx, reservation.ID); err != nil {
			return err
		}
	}

	for _, event := range lease.Events {
		if event.Status == models.EventUndone {
			if err := m.store.FinishEvent(ctx, event.ID, models.EventDone); err != nil {
				return err
			}
		}
	}

	m.chain.OnEnd(ctx, lease)
	if err := m.store.DestroyLease(ctx, lease.ID); err != nil {
		return err
	}

	m.bus.Publish(events.EventLeaseDeleted, events.Payload{"lease_id": lease.ID})
	m.logger.Info().Str("lease_id", lease.ID).Msg("lease deleted")
	return nil
}
