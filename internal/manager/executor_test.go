/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

func newExecutorFixture(t *testing.T) (*fixture, *Executor) {
	t.Helper()
	f := newFixture(t)
	executor, err := NewExecutor(f.store, f.manager, "@every 10s", zerolog.Nop())
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	executor.nowFn = f.manager.nowFn
	return f, executor
}

func (f *fixture) createLease(t *testing.T) *models.Lease {
	t.Helper()
	lease, err := f.manager.CreateLease(context.Background(), leaseRequest(
		ReservationSpec{ResourceType: "host", Min: "1", Max: "1"},
	))
	if err != nil {
		t.Fatalf("create lease: %v", err)
	}
	return lease
}

func TestExecutorRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	if _, err := NewExecutor(f.store, f.manager, "every now and then", zerolog.Nop()); err == nil {
		t.Fatalf("expected bad cron spec to fail")
	}
}

func TestTickRunsLifecycleInOrder(t *testing.T) {
	f, executor := newExecutorFixture(t)
	f.addResource(t, "h1")
	lease := f.createLease(t)

	// Nothing is due before the lease starts.
	executor.tick()
	stored, err := f.manager.GetLease(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if stored.Status != models.LeasePending {
		t.Fatalf("lease started early: %s", stored.Status)
	}

	// Start event due.
	executor.nowFn = func() time.Time { return base }
	executor.tick()
	stored, err = f.manager.GetLease(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if stored.Status != models.LeaseActive {
		t.Fatalf("expected active lease, got %s", stored.Status)
	}
	if len(f.fake.Bound(lease.Reservations[0].ID)) != 1 {
		t.Fatalf("start did not bind resources")
	}

	// Before-end and end events due.
	executor.nowFn = func() time.Time { return base.Add(3 * time.Hour) }
	executor.tick()
	stored, err = f.manager.GetLease(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if stored.Status != models.LeaseTerminated {
		t.Fatalf("expected terminated lease, got %s", stored.Status)
	}
	if len(f.fake.Bound(lease.Reservations[0].ID)) != 0 {
		t.Fatalf("end did not release resources")
	}
	for _, event := range stored.Events {
		if event.Status != models.EventDone {
			t.Fatalf("event %s left in %s", event.Type, event.Status)
		}
	}
}

func TestTickRecordsProvisioningFailure(t *testing.T) {
	f, executor := newExecutorFixture(t)
	f.addResource(t, "h1")
	lease := f.createLease(t)

	f.fake.FailNext("allocate", fmt.Errorf("switch unreachable"))
	executor.nowFn = func() time.Time { return base }
	executor.tick()

	stored, err := f.manager.GetLease(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if stored.Status != models.LeaseError {
		t.Fatalf("expected error lease, got %s", stored.Status)
	}
	for _, event := range stored.Events {
		if event.Type == models.EventStartLease && event.Status != models.EventFailed {
			t.Fatalf("start event recorded as %s", event.Status)
		}
	}
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	f, executor := newExecutorFixture(t)
	f.addResource(t, "h1")
	lease := f.createLease(t)

	executor.IsLeader = func() bool { return false }
	executor.nowFn = func() time.Time { return base }
	executor.tick()

	stored, err := f.manager.GetLease(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if stored.Status != models.LeasePending {
		t.Fatalf("follower executed an event")
	}
}

func TestDispatchToleratesDeletedLease(t *testing.T) {
	f, executor := newExecutorFixture(t)
	f.addResource(t, "h1")
	lease := f.createLease(t)

	events := lease.Events
	if err := f.manager.DeleteLease(context.Background(), lease.ID); err != nil {
		t.Fatalf("delete lease: %v", err)
	}

	// The event row may still be claimed by a racing instance; executing
	// it must be a harmless no-op.
	if err := executor.dispatch(context.Background(), events[0]); err != nil {
		t.Fatalf("dispatch after delete: %v", err)
	}
}
