/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

// Fake is an in-memory adapter for development and tests. Health state
// and call failures are scriptable.
type Fake struct {
	resourceType string
	logger       zerolog.Logger

	mu        sync.Mutex
	bound     map[string][]string // reservation id -> resource ids
	unhealthy map[string]bool
	failNext  map[string]error // operation name -> forced error
	events    chan HealthEvent
	snapshots int
}

// NewFake builds a fake adapter for the given resource type.
func NewFake(options map[string]string, logger zerolog.Logger) (Adapter, error) {
	resourceType := options["resource_type"]
	if resourceType == "" {
		return nil, fmt.Errorf("fake driver: resource_type option is required")
	}
	return &Fake{
		resourceType: resourceType,
		logger:       logger.With().Str("driver", "fake").Logger(),
		bound:        make(map[string][]string),
		unhealthy:    make(map[string]bool),
		failNext:     make(map[string]error),
		events:       make(chan HealthEvent, 16),
	}, nil
}

func (f *Fake) ResourceType() string { return f.resourceType }

func (f *Fake) CreateResource(ctx context.Context, spec map[string]string) (string, error) {
	if err := f.takeError("create"); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

func (f *Fake) DeleteResource(ctx context.Context, resourceID string) error {
	return f.takeError("delete")
}

func (f *Fake) Allocate(ctx context.Context, reservation *models.Reservation, lease *models.Lease, resources []models.Resource) error {
	if err := f.takeError("allocate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range resources {
		f.bound[reservation.ID] = append(f.bound[reservation.ID], r.ID)
	}
	return nil
}

func (f *Fake) Deallocate(ctx context.Context, reservation *models.Reservation, lease *models.Lease, resources []models.Resource) error {
	if err := f.takeError("deallocate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	remove := make(map[string]bool, len(resources))
	for _, r := range resources {
		remove[r.ID] = true
	}
	kept := f.bound[reservation.ID][:0]
	for _, id := range f.bound[reservation.ID] {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	f.bound[reservation.ID] = kept
	return nil
}

func (f *Fake) PollResourceFailures(ctx context.Context, resources []models.Resource) (failed, recovered []models.Resource, err error) {
	if err := f.takeError("poll"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range resources {
		down := f.unhealthy[r.ID]
		switch {
		case down && r.Reservable:
			failed = append(failed, r)
		case !down && !r.Reservable:
			recovered = append(recovered, r)
		}
	}
	return failed, recovered, nil
}

func (f *Fake) Notifications(ctx context.Context) (<-chan HealthEvent, error) {
	return f.events, nil
}

func (f *Fake) Snapshot(ctx context.Context, reservation *models.Reservation, lease *models.Lease, resources []models.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return nil
}

// SetHealthy scripts the health of a resource and emits an event.
func (f *Fake) SetHealthy(resourceID string, healthy bool) {
	f.mu.Lock()
	f.unhealthy[resourceID] = !healthy
	f.mu.Unlock()
	select {
	case f.events <- HealthEvent{ResourceID: resourceID, Healthy: healthy, Occurred: time.Now()}:
	default:
	}
}

// FailNext forces the next call of op to fail with err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// Bound returns the resource ids currently bound for a reservation.
func (f *Fake) Bound(reservationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bound[reservationID]...)
}

// Snapshots returns how many snapshot actions ran.
func (f *Fake) Snapshots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func (f *Fake) takeError(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext[op]; err != nil {
		delete(f.failNext, op)
		return err
	}
	return nil
}
