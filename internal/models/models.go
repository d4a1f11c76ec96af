/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package models

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// LeaseStatus tracks lease lifecycle.
type LeaseStatus string

const (
	LeasePending    LeaseStatus = "pending"
	LeaseActive     LeaseStatus = "active"
	LeaseTerminated LeaseStatus = "terminated"
	LeaseError      LeaseStatus = "error"
)

// ReservationStatus tracks reservation lifecycle.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationError     ReservationStatus = "error"
)

// BeforeEndAction enumerates actions taken shortly before a lease ends.
type BeforeEndAction string

const (
	BeforeEndNone     BeforeEndAction = "none"
	BeforeEndDefault  BeforeEndAction = "default"
	BeforeEndNotify   BeforeEndAction = "notify"
	BeforeEndSnapshot BeforeEndAction = "snapshot"
)

// ValidBeforeEnd reports whether action is a recognized before-end action.
func ValidBeforeEnd(action BeforeEndAction) bool {
	switch action {
	case BeforeEndNone, BeforeEndDefault, BeforeEndNotify, BeforeEndSnapshot:
		return true
	}
	return false
}

// EventType enumerates scheduled lease events.
type EventType string

const (
	EventStartLease     EventType = "start_lease"
	EventBeforeEndLease EventType = "before_end_lease"
	EventEndLease       EventType = "end_lease"
)

// EventStatus tracks execution of a scheduled event.
type EventStatus string

const (
	EventUndone     EventStatus = "undone"
	EventInProgress EventStatus = "in_progress"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "error"
)

// Lease is a tenant booking spanning a time window, owning reservations.
type Lease struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Name      string `gorm:"index"`
	ProjectID string `gorm:"index"`
	UserID    string
	StartDate time.Time
	EndDate   time.Time
	Status    LeaseStatus `gorm:"type:varchar(16)"`
	Degraded  bool

	Reservations []Reservation `gorm:"foreignKey:LeaseID"`
	Events       []Event       `gorm:"foreignKey:LeaseID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Reservation requests resources of one type within its lease's window.
// MinCount/MaxCount bound the cardinality; Filter holds the raw property
// filter clauses the reservation was created with.
type Reservation struct {
	ID           string            `gorm:"type:uuid;primaryKey"`
	LeaseID      string            `gorm:"type:uuid;index"`
	ResourceType string            `gorm:"type:varchar(32);index"`
	Status       ReservationStatus `gorm:"type:varchar(16)"`
	MinCount     int
	MaxCount     int
	Filter       string          `gorm:"type:text"`
	BeforeEnd    BeforeEndAction `gorm:"type:varchar(16)"`

	// Set by healing, never cleared by it.
	MissingResources bool
	ResourcesChanged bool

	// Resource ids attached to a provisioning failure, comma separated.
	FailedResources string `gorm:"type:text"`

	Allocations []Allocation `gorm:"foreignKey:ReservationID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Allocation binds one resource to one reservation. Its effective time
// window is the owning lease's window.
type Allocation struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	ReservationID string `gorm:"type:uuid;index"`
	ResourceID    string `gorm:"type:uuid;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Resource is a bookable unit: a compute host, network segment or device.
// Identity attributes live in columns; free-form capabilities live in
// ExtraCapability rows keyed by resource id.
type Resource struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	Type       string `gorm:"type:varchar(32);index"`
	Name       string `gorm:"uniqueIndex"`
	VCPUs      int
	MemoryMB   int
	DiskGB     int
	Reservable bool `gorm:"index"`

	// Comma-separated project allow-list; empty means unrestricted.
	AuthorizedProjects string `gorm:"type:text"`

	Capabilities []ExtraCapability `gorm:"foreignKey:ResourceID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// AttributeMap merges identity columns with extra capabilities into the
// attribute bag that property filters evaluate against.
func (r Resource) AttributeMap() map[string]string {
	attrs := map[string]string{
		"id":     r.ID,
		"name":   r.Name,
		"vcpus":  strconv.Itoa(r.VCPUs),
		"memory": strconv.Itoa(r.MemoryMB),
		"disk":   strconv.Itoa(r.DiskGB),
	}
	for _, capability := range r.Capabilities {
		attrs[capability.Key] = capability.Value
	}
	return attrs
}

// ProjectAllowed reports whether projectID may reserve this resource.
// An empty allow-list admits every project.
func (r Resource) ProjectAllowed(projectID string) bool {
	if strings.TrimSpace(r.AuthorizedProjects) == "" {
		return true
	}
	for _, p := range strings.Split(r.AuthorizedProjects, ",") {
		if strings.TrimSpace(p) == projectID {
			return true
		}
	}
	return false
}

// ExtraCapability is one typed key/value attribute on a resource.
type ExtraCapability struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	ResourceID string `gorm:"type:uuid;index"`
	Key        string `gorm:"type:varchar(64);index"`
	Value      string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Event is a scheduled lease lifecycle event executed by the event loop.
type Event struct {
	ID      string      `gorm:"type:uuid;primaryKey"`
	LeaseID string      `gorm:"type:uuid;index"`
	Type    EventType   `gorm:"type:varchar(32)"`
	Time    time.Time   `gorm:"index"`
	Status  EventStatus `gorm:"type:varchar(16);index"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}
