/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/store"
	"github.com/KTH-EXPECA/blazar/internal/telemetry"
)

// Executor runs due lease events on a cron schedule. Events are claimed
// with a compare-and-set so several instances can share the table
// without double-running anything.
type Executor struct {
	store   *store.Store
	manager *Manager
	cron    *cron.Cron
	logger  zerolog.Logger
	nowFn   func() time.Time

	// IsLeader gates execution in multi-instance deployments. Nil
	// means always run.
	IsLeader func() bool
}

// NewExecutor builds an executor polling on the given cron spec, e.g.
// "@every 10s".
func NewExecutor(st *store.Store, m *Manager, spec string, logger zerolog.Logger) (*Executor, error) {
	executor := &Executor{
		store:   st,
		manager: m,
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger.With().Str("component", "executor").Logger(),
		nowFn:   time.Now,
	}
	if _, err := executor.cron.AddFunc(spec, executor.tick); err != nil {
		return nil, fmt.Errorf("executor schedule %q: %w", spec, err)
	}
	return executor, nil
}

// Start begins the schedule.
func (x *Executor) Start() { x.cron.Start() }

// Stop halts the schedule and waits for a running tick to finish.
func (x *Executor) Stop() {
	<-x.cron.Stop().Done()
}

func (x *Executor) tick() {
	if x.IsLeader != nil && !x.IsLeader() {
		return
	}
	x.RunOnce(context.Background(), x.nowFn())
}

// RunOnce claims and executes every event due at the given instant.
// The cron schedule calls this each tick; it also serves as the manual
// trigger for tooling.
func (x *Executor) RunOnce(ctx context.Context, now time.Time) {
	due, err := x.store.DueEvents(ctx, now)
	if err != nil {
		x.logger.Error().Err(err).Msg("loading due events")
		return
	}
	for _, event := range due {
		claimed, err := x.store.ClaimEvent(ctx, event.ID)
		if err != nil {
			x.logger.Error().Err(err).Str("event_id", event.ID).Msg("claiming event")
			continue
		}
		if !claimed {
			continue
		}
		x.execute(ctx, event)
	}
}

// execute runs one claimed event and records its outcome.
func (x *Executor) execute(ctx context.Context, event models.Event) {
	err := x.dispatch(ctx, event)
	status := models.EventDone
	result := "ok"
	if err != nil {
		status = models.EventFailed
		result = "error"
		x.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("lease_id", event.LeaseID).
			Str("type", string(event.Type)).
			Msg("event failed")
	}
	if ferr := x.store.FinishEvent(ctx, event.ID, status); ferr != nil {
		x.logger.Error().Err(ferr).Str("event_id", event.ID).Msg("finishing event")
	}
	telemetry.EventsExecuted.WithLabelValues(string(event.Type), result).Inc()
}

func (x *Executor) dispatch(ctx context.Context, event models.Event) error {
	lease, err := x.store.GetLease(ctx, event.LeaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lease deleted between scheduling and execution.
			return nil
		}
		return err
	}
	reservations, err := x.store.ReservationsForLease(ctx, lease.ID)
	if err != nil {
		return err
	}

	switch event.Type {
	case models.EventStartLease:
		return x.startLease(ctx, lease, reservations)
	case models.EventBeforeEndLease:
		return x.beforeEndLease(ctx, lease, reservations)
	case models.EventEndLease:
		return x.endLease(ctx, lease, reservations)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
}

// startLease activates every reservation. A provisioning failure puts
// the lease into the error state but still activates what it can't
// roll back; operators decide from there.
func (x *Executor) startLease(ctx context.Context, lease *models.Lease, reservations []models.Reservation) error {
	var failed error
	for i := range reservations {
		reservation := &reservations[i]
		eng, err := x.manager.engineFor(reservation.ResourceType)
		if err != nil {
			return err
		}
		if err := eng.OnStart(ctx, lease, reservation); err != nil {
			failed = err
		}
	}

	status := models.LeaseActive
	if failed != nil {
		status = models.LeaseError
	}
	if err := x.store.UpdateLease(ctx, lease.ID, map[string]any{"status": status}); err != nil {
		return err
	}
	if failed != nil {
		return failed
	}
	x.manager.bus.Publish(events.EventLeaseStarted, events.Payload{"lease_id": lease.ID})
	return nil
}

func (x *Executor) beforeEndLease(ctx context.Context, lease *models.Lease, reservations []models.Reservation) error {
	var firstErr error
	for i := range reservations {
		reservation := &reservations[i]
		eng, err := x.manager.engineFor(reservation.ResourceType)
		if err != nil {
			return err
		}
		if err := eng.BeforeEnd(ctx, lease, reservation); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (x *Executor) endLease(ctx context.Context, lease *models.Lease, reservations []models.Reservation) error {
	for i := range reservations {
		reservation := &reservations[i]
		eng, err := x.manager.engineFor(reservation.ResourceType)
		if err != nil {
			return err
		}
		if err := eng.OnEnd(ctx, lease, reservation); err != nil {
			return err
		}
	}
	if err := x.store.UpdateLease(ctx, lease.ID, map[string]any{"status": models.LeaseTerminated}); err != nil {
		return err
	}
	x.manager.chain.OnEnd(ctx, lease)
	x.manager.bus.Publish(events.EventLeaseEnded, events.Payload{"lease_id": lease.ID})
	return nil
}
