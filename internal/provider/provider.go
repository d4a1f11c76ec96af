/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package provider defines the adapter binding logical allocations to
// real infrastructure, one adapter per resource type.
package provider

import (
	"context"
	"time"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

// Adapter is implemented once per resource type. All calls are
// synchronous; retry and timeout policy belongs to the implementation.
type Adapter interface {
	// ResourceType names the resource type this adapter serves.
	ResourceType() string

	// CreateResource provisions backing infrastructure for a new
	// resource and returns the provider-side identifier.
	CreateResource(ctx context.Context, spec map[string]string) (string, error)

	// DeleteResource releases backing infrastructure.
	DeleteResource(ctx context.Context, resourceID string) error

	// Allocate binds resources to an active reservation.
	Allocate(ctx context.Context, reservation *models.Reservation, lease *models.Lease, resources []models.Resource) error

	// Deallocate unbinds resources when a reservation ends or a
	// resource is swapped out.
	Deallocate(ctx context.Context, reservation *models.Reservation, lease *models.Lease, resources []models.Resource) error

	// PollResourceFailures inspects the given resources and reports
	// which have failed and which have recovered.
	PollResourceFailures(ctx context.Context, resources []models.Resource) (failed, recovered []models.Resource, err error)
}

// HealthEvent is a provider-emitted resource health change.
type HealthEvent struct {
	ResourceID string
	Healthy    bool
	Occurred   time.Time
}

// Notifier is implemented by adapters that can push health changes
// instead of (or in addition to) being polled.
type Notifier interface {
	// Notifications delivers health events until ctx is done.
	Notifications(ctx context.Context) (<-chan HealthEvent, error)
}

// Snapshotter is implemented by adapters that support the snapshot
// before-end action.
type Snapshotter interface {
	Snapshot(ctx context.Context, reservation *models.Reservation, lease *models.Lease, resources []models.Resource) error
}
