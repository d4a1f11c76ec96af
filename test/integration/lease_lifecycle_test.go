/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

//go:build integration

// Package integration exercises the full reservation pipeline against an
// in-memory database: enrollment, lease creation, scheduled lifecycle
// execution and failure healing.
package integration

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/KTH-EXPECA/blazar/internal/enforcement"
	"github.com/KTH-EXPECA/blazar/internal/engine"
	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/healing"
	"github.com/KTH-EXPECA/blazar/internal/manager"
	"github.com/KTH-EXPECA/blazar/internal/matcher"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/monitor"
	"github.com/KTH-EXPECA/blazar/internal/provider"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

type stack struct {
	store     *store.Store
	manager   *manager.Manager
	inventory *engine.Inventory
	healer    *healing.Coordinator
	monitor   *monitor.Monitor
	fake      *provider.Fake
	bus       *events.Bus
}

func newStack(t *testing.T) *stack {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := database.AutoMigrate(
		&models.Lease{}, &models.Reservation{}, &models.Allocation{},
		&models.Resource{}, &models.ExtraCapability{}, &models.Event{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st := store.New(database)
	adapter, err := provider.NewFake(map[string]string{"resource_type": "host"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("fake adapter: %v", err)
	}
	fake := adapter.(*provider.Fake)
	bus := events.NewBus()
	m := matcher.New(st, 0, rand.NewSource(1), zerolog.Nop())
	eng := engine.New(st, m, adapter, 0, models.BeforeEndNone, bus, zerolog.Nop())
	chain, err := enforcement.NewChain(nil, nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	mgr := manager.New(st, map[string]*engine.Engine{"host": eng}, chain, bus, time.Hour, zerolog.Nop())
	healer := healing.New(st, m, adapter, 0, bus, zerolog.Nop())
	mon := monitor.New(st, adapter, healer, time.Minute, bus, zerolog.Nop())

	return &stack{
		store:     st,
		manager:   mgr,
		inventory: engine.NewInventory(st, "host", zerolog.Nop()),
		healer:    healer,
		monitor:   mon,
		fake:      fake,
		bus:       bus,
	}
}

func TestFullLeaseLifecycle(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for _, name := range []string{"compute-1", "compute-2", "compute-3"} {
		if _, err := s.inventory.CreateResource(ctx, map[string]string{
			"name":  name,
			"vcpus": "8",
		}); err != nil {
			t.Fatalf("enroll %s: %v", name, err)
		}
	}

	start := time.Now().Add(time.Hour)
	lease, err := s.manager.CreateLease(ctx, manager.CreateLeaseRequest{
		Name:      "experiment",
		ProjectID: "p1",
		StartDate: start,
		EndDate:   start.Add(2 * time.Hour),
		Reservations: []manager.ReservationSpec{
			{ResourceType: "host", Min: "2", Max: "2", Filter: []string{"vcpus >= 4"}},
		},
	})
	if err != nil {
		t.Fatalf("create lease: %v", err)
	}

	executor, err := manager.NewExecutor(s.store, s.manager, "@every 10s", zerolog.Nop())
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	// Advance past the start event.
	executor.RunOnce(ctx, start.Add(time.Minute))

	lease, err = s.manager.GetLease(ctx, lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.Status != models.LeaseActive {
		t.Fatalf("expected active lease, got %s", lease.Status)
	}
	if len(s.fake.Bound(lease.Reservations[0].ID)) != 2 {
		t.Fatalf("expected 2 bound resources")
	}

	// One resource fails mid-lease; the monitor heals onto the spare.
	boundBefore := s.fake.Bound(lease.Reservations[0].ID)
	s.fake.SetHealthy(boundBefore[0], false)
	if err := s.monitor.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	lease, err = s.manager.GetLease(ctx, lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if !lease.Degraded {
		t.Fatalf("expected degraded lease after failure")
	}
	allocations, err := s.store.AllocationsForReservation(ctx, lease.Reservations[0].ID)
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocations) != 2 {
		t.Fatalf("expected 2 allocations after healing, got %d", len(allocations))
	}
	for _, alloc := range allocations {
		if alloc.ResourceID == boundBefore[0] {
			t.Fatalf("allocation still on failed resource")
		}
	}

	// Advance past the end event.
	executor.RunOnce(ctx, start.Add(3*time.Hour))

	lease, err = s.manager.GetLease(ctx, lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.Status != models.LeaseTerminated {
		t.Fatalf("expected terminated lease, got %s", lease.Status)
	}
	if len(s.fake.Bound(lease.Reservations[0].ID)) != 0 {
		t.Fatalf("resources not released at lease end")
	}
}
