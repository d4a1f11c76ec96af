/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package store is the durable allocation store: CRUD over leases,
// reservations, allocations and resources. Destroy operations soft
// delete; default reads only see live rows, history stays queryable
// through the *Unscoped variants.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/period"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Store mediates all database access.
type Store struct {
	db *gorm.DB
}

// New wraps a gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migration and test setup.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn atomically; a returned error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// ---- leases ----

func (s *Store) CreateLease(ctx context.Context, lease *models.Lease) error {
	if lease.ID == "" {
		lease.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(lease).Error
}

func (s *Store) GetLease(ctx context.Context, id string) (*models.Lease, error) {
	var lease models.Lease
	err := s.db.WithContext(ctx).
		Preload("Reservations").
		Preload("Events").
		First(&lease, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lease %s: %w", id, ErrNotFound)
	}
	return &lease, err
}

func (s *Store) ListLeases(ctx context.Context, projectID string) ([]models.Lease, error) {
	q := s.db.WithContext(ctx).Order("start_date ASC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var leases []models.Lease
	err := q.Preload("Reservations").Find(&leases).Error
	return leases, err
}

func (s *Store) UpdateLease(ctx context.Context, id string, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&models.Lease{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DestroyLease(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Lease{}, "id = ?", id).Error
}

// MarkLeaseDegraded flags a lease whose resource set changed or shrank.
func (s *Store) MarkLeaseDegraded(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Lease{}).
		Where("id = ?", id).Update("degraded", true).Error
}

// ---- reservations ----

func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.WithContext(ctx).Preload("Allocations").First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return &r, err
}

func (s *Store) UpdateReservation(ctx context.Context, id string, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DestroyReservation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Reservation{}, "id = ?", id).Error
}

func (s *Store) ReservationsForLease(ctx context.Context, leaseID string) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.WithContext(ctx).Preload("Allocations").
		Where("lease_id = ?", leaseID).Find(&rs).Error
	return rs, err
}

// ---- allocations ----

func (s *Store) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) DestroyAllocation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Allocation{}, "id = ?", id).Error
}

// UpdateAllocationResource points an allocation at a replacement resource.
func (s *Store) UpdateAllocationResource(ctx context.Context, id, resourceID string) error {
	return s.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("id = ?", id).Update("resource_id", resourceID).Error
}

func (s *Store) AllocationsForReservation(ctx context.Context, reservationID string) ([]models.Allocation, error) {
	var allocs []models.Allocation
	err := s.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).Find(&allocs).Error
	return allocs, err
}

// HasAllocations reports whether any live allocation references the
// resource.
func (s *Store) HasAllocations(ctx context.Context, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("resource_id = ?", resourceID).Count(&count).Error
	return count > 0, err
}

// Bookings returns the lease windows of all live allocations on a
// resource, optionally excluding one reservation's own allocations so a
// reservation can probe freeness of windows it already occupies.
func (s *Store) Bookings(ctx context.Context, resourceID, excludeReservationID string) ([]period.Booking, error) {
	q := s.db.WithContext(ctx).Model(&models.Allocation{}).
		Select("leases.start_date AS booking_start, leases.end_date AS booking_end").
		Joins("JOIN reservations ON reservations.id = allocations.reservation_id AND reservations.deleted_at IS NULL").
		Joins("JOIN leases ON leases.id = reservations.lease_id AND leases.deleted_at IS NULL").
		Where("allocations.resource_id = ?", resourceID)
	if excludeReservationID != "" {
		q = q.Where("allocations.reservation_id <> ?", excludeReservationID)
	}

	var rows []struct {
		BookingStart time.Time
		BookingEnd   time.Time
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	bookings := make([]period.Booking, len(rows))
	for i, row := range rows {
		bookings[i] = period.Booking{Start: row.BookingStart, End: row.BookingEnd}
	}
	return bookings, nil
}

// AffectedAllocation pairs an allocation with its reservation and lease
// for healing passes.
type AffectedAllocation struct {
	Allocation  models.Allocation
	Reservation models.Reservation
	Lease       models.Lease
}

// AllocationsOnResources returns live allocations of the given resource
// type sitting on any of the resources, whose lease window intersects
// [begin, end).
func (s *Store) AllocationsOnResources(ctx context.Context, resourceType string, resourceIDs []string, begin, end time.Time) ([]AffectedAllocation, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	var allocs []models.Allocation
	err := s.db.WithContext(ctx).
		Joins("JOIN reservations ON reservations.id = allocations.reservation_id AND reservations.deleted_at IS NULL").
		Joins("JOIN leases ON leases.id = reservations.lease_id AND leases.deleted_at IS NULL").
		Where("allocations.resource_id IN ?", resourceIDs).
		Where("reservations.resource_type = ?", resourceType).
		Where("leases.start_date < ? AND leases.end_date > ?", end, begin).
		Find(&allocs).Error
	if err != nil {
		return nil, err
	}

	affected := make([]AffectedAllocation, 0, len(allocs))
	for _, alloc := range allocs {
		reservation, err := s.GetReservation(ctx, alloc.ReservationID)
		if err != nil {
			return nil, err
		}
		lease, err := s.GetLease(ctx, reservation.LeaseID)
		if err != nil {
			return nil, err
		}
		affected = append(affected, AffectedAllocation{
			Allocation:  alloc,
			Reservation: *reservation,
			Lease:       *lease,
		})
	}
	return affected, nil
}

// ---- resources ----

func (s *Store) CreateResource(ctx context.Context, r *models.Resource) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Omit("Capabilities").Create(r).Error
}

func (s *Store) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var r models.Resource
	err := s.db.WithContext(ctx).Preload("Capabilities").First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return &r, err
}

// ListResources returns live resources of a type, capabilities loaded.
func (s *Store) ListResources(ctx context.Context, resourceType string) ([]models.Resource, error) {
	var rs []models.Resource
	err := s.db.WithContext(ctx).Preload("Capabilities").
		Where("type = ?", resourceType).Order("name ASC").Find(&rs).Error
	return rs, err
}

// ReservableResources returns live resources of a type with the
// reservable flag set.
func (s *Store) ReservableResources(ctx context.Context, resourceType string) ([]models.Resource, error) {
	var rs []models.Resource
	err := s.db.WithContext(ctx).Preload("Capabilities").
		Where("type = ? AND reservable = ?", resourceType, true).Find(&rs).Error
	return rs, err
}

// UnreservableResources returns live resources of a type currently
// marked failed.
func (s *Store) UnreservableResources(ctx context.Context, resourceType string) ([]models.Resource, error) {
	var rs []models.Resource
	err := s.db.WithContext(ctx).
		Where("type = ? AND reservable = ?", resourceType, false).Find(&rs).Error
	return rs, err
}

// SetReservable persists a health transition. Last writer wins.
func (s *Store) SetReservable(ctx context.Context, resourceID string, reservable bool) error {
	return s.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ?", resourceID).Update("reservable", reservable).Error
}

func (s *Store) DestroyResource(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Resource{}, "id = ?", id).Error
}

// ---- extra capabilities ----

func (s *Store) CreateCapability(ctx context.Context, c *models.ExtraCapability) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) UpdateCapability(ctx context.Context, id, value string) error {
	return s.db.WithContext(ctx).Model(&models.ExtraCapability{}).
		Where("id = ?", id).Update("value", value).Error
}

func (s *Store) DestroyCapability(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.ExtraCapability{}, "id = ?", id).Error
}

func (s *Store) CapabilitiesForResource(ctx context.Context, resourceID string) ([]models.ExtraCapability, error) {
	var caps []models.ExtraCapability
	err := s.db.WithContext(ctx).Where("resource_id = ?", resourceID).Find(&caps).Error
	return caps, err
}

// ---- events ----

func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// DueEvents returns unexecuted events whose time has come, ordered so
// before-end actions run ahead of end events at the same instant.
func (s *Store) DueEvents(ctx context.Context, now time.Time) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("status = ? AND time <= ?", models.EventUndone, now).
		Order("time ASC, type ASC").
		Find(&events).Error
	return events, err
}

// ClaimEvent flips an event to in_progress; false when another executor
// got there first.
func (s *Store) ClaimEvent(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND status = ?", id, models.EventUndone).
		Update("status", models.EventInProgress)
	return res.RowsAffected == 1, res.Error
}

// RescheduleEvent moves an unexecuted event to a new time.
func (s *Store) RescheduleEvent(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND status = ?", id, models.EventUndone).
		Update("time", at).Error
}

func (s *Store) FinishEvent(ctx context.Context, id string, status models.EventStatus) error {
	return s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).Update("status", status).Error
}

// ---- history ----

// LeaseHistoryUnscoped returns leases including soft-deleted rows.
func (s *Store) LeaseHistoryUnscoped(ctx context.Context, projectID string) ([]models.Lease, error) {
	q := s.db.WithContext(ctx).Unscoped().Order("created_at ASC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var leases []models.Lease
	err := q.Find(&leases).Error
	return leases, err
}

// AllocationHistoryUnscoped returns every allocation a resource ever
// held, destroyed ones included.
func (s *Store) AllocationHistoryUnscoped(ctx context.Context, resourceID string) ([]models.Allocation, error) {
	var allocs []models.Allocation
	err := s.db.WithContext(ctx).Unscoped().
		Where("resource_id = ?", resourceID).Order("created_at ASC").Find(&allocs).Error
	return allocs, err
}
