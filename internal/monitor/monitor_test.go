/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package monitor

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/healing"
	"github.com/KTH-EXPECA/blazar/internal/matcher"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/provider"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	monitor *Monitor
	fake    *provider.Fake
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(
		&models.Lease{}, &models.Reservation{}, &models.Allocation{},
		&models.Resource{}, &models.ExtraCapability{}, &models.Event{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	st := store.New(database)
	adapter, err := provider.NewFake(map[string]string{"resource_type": "host"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("fake adapter: %v", err)
	}
	bus := events.NewBus()
	m := matcher.New(st, 0, rand.NewSource(1), zerolog.Nop())
	healer := healing.New(st, m, adapter, 0, bus, zerolog.Nop())
	mon := New(st, adapter, healer, time.Minute, bus, zerolog.Nop())
	return &fixture{store: st, monitor: mon, fake: adapter.(*provider.Fake), bus: bus}
}

func (f *fixture) addResource(t *testing.T, name string, reservable bool) string {
	t.Helper()
	resource := &models.Resource{
		Type: "host", Name: name, VCPUs: 4, MemoryMB: 8192, DiskGB: 100, Reservable: reservable,
	}
	if err := f.store.CreateResource(context.Background(), resource); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return resource.ID
}

func (f *fixture) addBooking(t *testing.T, resourceID string) *models.Reservation {
	t.Helper()
	ctx := context.Background()
	lease := &models.Lease{
		Name: "lease", ProjectID: "p1",
		StartDate: base.Add(-time.Hour), EndDate: base.Add(100000 * time.Hour),
		Status: models.LeaseActive,
	}
	if err := f.store.CreateLease(ctx, lease); err != nil {
		t.Fatalf("create lease: %v", err)
	}
	reservation := &models.Reservation{
		LeaseID: lease.ID, ResourceType: "host",
		Status: models.ReservationPending, MinCount: 1, MaxCount: 1,
	}
	if err := f.store.CreateReservation(ctx, reservation); err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	if err := f.store.CreateAllocation(ctx, &models.Allocation{
		ReservationID: reservation.ID, ResourceID: resourceID,
	}); err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	return reservation
}

func TestPollMarksFailureAndHeals(t *testing.T) {
	f := newFixture(t)
	sick := f.addResource(t, "h1", true)
	spare := f.addResource(t, "h2", true)
	reservation := f.addBooking(t, sick)

	failedEvents := f.bus.Subscribe(events.EventResourceFailed)
	f.fake.SetHealthy(sick, false)

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	resource, err := f.store.GetResource(context.Background(), sick)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if resource.Reservable {
		t.Fatalf("expected failed resource to be unreservable")
	}

	allocations, err := f.store.AllocationsForReservation(context.Background(), reservation.ID)
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocations) != 1 || allocations[0].ResourceID != spare {
		t.Fatalf("expected allocation healed onto %s, got %+v", spare, allocations)
	}

	select {
	case payload := <-failedEvents:
		if payload["resource_id"] != sick {
			t.Fatalf("unexpected payload: %v", payload)
		}
	default:
		t.Fatalf("expected a resource failure event")
	}
}

func TestPollMarksRecovery(t *testing.T) {
	f := newFixture(t)
	id := f.addResource(t, "h1", false)

	recoveredEvents := f.bus.Subscribe(events.EventResourceRecovered)
	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	resource, err := f.store.GetResource(context.Background(), id)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if !resource.Reservable {
		t.Fatalf("expected resource back in service")
	}
	select {
	case <-recoveredEvents:
	default:
		t.Fatalf("expected a recovery event")
	}
}

func TestPollStableWhenHealthy(t *testing.T) {
	f := newFixture(t)
	id := f.addResource(t, "h1", true)

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	resource, err := f.store.GetResource(context.Background(), id)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if !resource.Reservable {
		t.Fatalf("healthy resource should stay reservable")
	}
}

func TestHandleEventFailure(t *testing.T) {
	f := newFixture(t)
	sick := f.addResource(t, "h1", true)

	err := f.monitor.handleEvent(context.Background(), provider.HealthEvent{
		ResourceID: sick, Healthy: false, Occurred: base,
	}, true)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	resource, err := f.store.GetResource(context.Background(), sick)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if resource.Reservable {
		t.Fatalf("expected pushed failure to mark resource unreservable")
	}
}

func TestApplyRemoteFailureHealsWithoutReannouncing(t *testing.T) {
	f := newFixture(t)
	sick := f.addResource(t, "h1", true)
	spare := f.addResource(t, "h2", true)
	reservation := f.addBooking(t, sick)

	failedEvents := f.bus.Subscribe(events.EventResourceFailed)
	f.monitor.applyRemote(context.Background(), events.Payload{
		"resource_id": sick, "resource_type": "host",
	}, false)

	resource, err := f.store.GetResource(context.Background(), sick)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if resource.Reservable {
		t.Fatalf("expected remote failure to mark resource unreservable")
	}
	allocations, err := f.store.AllocationsForReservation(context.Background(), reservation.ID)
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocations) != 1 || allocations[0].ResourceID != spare {
		t.Fatalf("expected allocation healed onto %s, got %+v", spare, allocations)
	}
	select {
	case payload := <-failedEvents:
		t.Fatalf("remote failure must not be re-announced, got %v", payload)
	default:
	}
}

func TestApplyRemoteIgnoresOtherResourceTypes(t *testing.T) {
	f := newFixture(t)
	id := f.addResource(t, "h1", true)

	f.monitor.applyRemote(context.Background(), events.Payload{
		"resource_id": id, "resource_type": "network",
	}, false)

	resource, err := f.store.GetResource(context.Background(), id)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if !resource.Reservable {
		t.Fatalf("event for another resource type must be ignored")
	}
}

func TestApplyRemoteRecovery(t *testing.T) {
	f := newFixture(t)
	id := f.addResource(t, "h1", false)

	recoveredEvents := f.bus.Subscribe(events.EventResourceRecovered)
	f.monitor.applyRemote(context.Background(), events.Payload{
		"resource_id": id, "resource_type": "host",
	}, true)

	resource, err := f.store.GetResource(context.Background(), id)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if !resource.Reservable {
		t.Fatalf("expected remote recovery to put resource back in service")
	}
	select {
	case <-recoveredEvents:
		t.Fatalf("remote recovery must not be re-announced")
	default:
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	if err := registry.Add("host", f.monitor); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := registry.Add("host", f.monitor); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if registry.Get("host") != f.monitor {
		t.Fatalf("expected registered monitor back")
	}
	if len(registry.All()) != 1 {
		t.Fatalf("expected one monitor")
	}
}
