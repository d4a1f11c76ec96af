/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package matcher

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/properties"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
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
	return store.New(database)
}

func addResource(t *testing.T, st *store.Store, name string, vcpus int, projects string) string {
	t.Helper()
	resource := &models.Resource{
		Type:               "host",
		Name:               name,
		VCPUs:              vcpus,
		MemoryMB:           8192,
		DiskGB:             100,
		Reservable:         true,
		AuthorizedProjects: projects,
	}
	if err := st.CreateResource(context.Background(), resource); err != nil {
		t.Fatalf("create resource %s: %v", name, err)
	}
	return resource.ID
}

// addBooking creates a lease/reservation/allocation chain occupying a
// resource over a window.
func addBooking(t *testing.T, st *store.Store, resourceID string, start, end time.Time) string {
	t.Helper()
	ctx := context.Background()
	lease := &models.Lease{
		Name:      "booking",
		ProjectID: "p1",
		StartDate: start,
		EndDate:   end,
		Status:    models.LeasePending,
	}
	if err := st.CreateLease(ctx, lease); err != nil {
		t.Fatalf("create lease: %v", err)
	}
	reservation := &models.Reservation{
		LeaseID:      lease.ID,
		ResourceType: "host",
		Status:       models.ReservationPending,
		MinCount:     1,
		MaxCount:     1,
	}
	if err := st.CreateReservation(ctx, reservation); err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	alloc := &models.Allocation{ReservationID: reservation.ID, ResourceID: resourceID}
	if err := st.CreateAllocation(ctx, alloc); err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	return reservation.ID
}

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMatchReturnsDistinctResources(t *testing.T) {
	st := newTestStore(t)
	addResource(t, st, "h1", 4, "")
	addResource(t, st, "h2", 4, "")
	addResource(t, st, "h3", 4, "")

	m := New(st, 0, rand.NewSource(1), zerolog.Nop())
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          2,
		Max:          2,
		Start:        base,
		End:          base.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("matched the same resource twice: %s", ids[0])
	}
}

func TestMatchPrefersNeverAllocated(t *testing.T) {
	st := newTestStore(t)
	busy := addResource(t, st, "h1", 4, "")
	fresh := addResource(t, st, "h2", 4, "")
	// Booking far in the past; busy is free for the probe window but
	// has allocation history.
	addBooking(t, st, busy, base.Add(-48*time.Hour), base.Add(-46*time.Hour))

	m := New(st, 0, rand.NewSource(1), zerolog.Nop())
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          1,
		Max:          1,
		Start:        base,
		End:          base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 1 || ids[0] != fresh {
		t.Fatalf("expected never-allocated resource %s, got %v", fresh, ids)
	}
}

func TestMatchFiltersByProperties(t *testing.T) {
	st := newTestStore(t)
	addResource(t, st, "small", 2, "")
	big := addResource(t, st, "big", 16, "")

	filter, err := properties.Parse([]string{"vcpus >= 8"})
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}

	m := New(st, 0, rand.NewSource(1), zerolog.Nop())
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Filter:       filter,
		Min:          1,
		Max:          2,
		Start:        base,
		End:          base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 1 || ids[0] != big {
		t.Fatalf("expected only %s, got %v", big, ids)
	}
}

func TestMatchHonorsProjectAllowList(t *testing.T) {
	st := newTestStore(t)
	addResource(t, st, "restricted", 4, "alpha,beta")
	open := addResource(t, st, "open", 4, "")

	m := New(st, 0, rand.NewSource(1), zerolog.Nop())
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          1,
		Max:          2,
		Start:        base,
		End:          base.Add(time.Hour),
		ProjectID:    "gamma",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 1 || ids[0] != open {
		t.Fatalf("expected only unrestricted resource, got %v", ids)
	}
}

func TestMatchExcludesBookedWindow(t *testing.T) {
	st := newTestStore(t)
	booked := addResource(t, st, "h1", 4, "")
	free := addResource(t, st, "h2", 4, "")
	addBooking(t, st, booked, base, base.Add(2*time.Hour))

	m := New(st, 0, rand.NewSource(1), zerolog.Nop())
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          1,
		Max:          2,
		Start:        base.Add(time.Hour),
		End:          base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 1 || ids[0] != free {
		t.Fatalf("expected only the free resource, got %v", ids)
	}
}

func TestMatchCleaningMarginBlocksAdjacentWindow(t *testing.T) {
	st := newTestStore(t)
	booked := addResource(t, st, "h1", 4, "")
	addBooking(t, st, booked, base, base.Add(2*time.Hour))

	m := New(st, 10*time.Minute, rand.NewSource(1), zerolog.Nop())

	// Five minutes after the booking ends: inside the margin.
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          1,
		Max:          1,
		Start:        base.Add(2*time.Hour + 5*time.Minute),
		End:          base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no match inside the cleaning margin, got %v", ids)
	}

	// Twenty minutes after: the padded probe clears the padded booking.
	ids, err = m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          1,
		Max:          1,
		Start:        base.Add(2*time.Hour + 20*time.Minute),
		End:          base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected a match outside the cleaning margin, got %v", ids)
	}
}

func TestMatchNotEnoughResources(t *testing.T) {
	st := newTestStore(t)
	addResource(t, st, "h1", 4, "")
	addResource(t, st, "h2", 4, "")

	m := New(st, 0, rand.NewSource(1), zerolog.Nop())
	ids, err := m.Match(context.Background(), Request{
		ResourceType: "host",
		Min:          3,
		Max:          5,
		Start:        base,
		End:          base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty result below minimum, got %v", ids)
	}
}

func TestMatchStableUnderRepetition(t *testing.T) {
	st := newTestStore(t)
	want := map[string]bool{
		addResource(t, st, "h1", 4, ""): true,
		addResource(t, st, "h2", 4, ""): true,
	}

	m := New(st, 0, rand.NewSource(7), zerolog.Nop())
	for i := 0; i < 5; i++ {
		ids, err := m.Match(context.Background(), Request{
			ResourceType: "host",
			Min:          2,
			Max:          2,
			Start:        base,
			End:          base.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		got := map[string]bool{}
		for _, id := range ids {
			got[id] = true
		}
		if len(got) != len(want) {
			t.Fatalf("run %d: expected %d distinct ids, got %v", i, len(want), ids)
		}
		for id := range got {
			if !want[id] {
				t.Fatalf("run %d: unexpected resource %s", i, id)
			}
		}
	}
}
