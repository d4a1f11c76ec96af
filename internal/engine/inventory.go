/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/properties"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

// Inventory manages the resources an engine can hand out: enrollment,
// capability edits and retirement. Mutations that would pull resources
// out from under live reservations are refused.
type Inventory struct {
	store        *store.Store
	resourceType string
	logger       zerolog.Logger
}

// NewInventory builds an inventory for one resource type.
func NewInventory(st *store.Store, resourceType string, logger zerolog.Logger) *Inventory {
	return &Inventory{
		store:        st,
		resourceType: resourceType,
		logger:       logger.With().Str("component", "inventory").Str("resource_type", resourceType).Logger(),
	}
}

// identityKeys are column-backed attributes; everything else in a
// resource spec becomes an extra capability row.
var identityKeys = map[string]bool{
	"name":                true,
	"vcpus":               true,
	"memory_mb":           true,
	"disk_gb":             true,
	"reservable":          true,
	"authorized_projects": true,
}

// CreateResource enrolls a resource from a flat spec. Unknown keys
// become extra capabilities; a capability that cannot be stored rolls
// back the whole enrollment.
func (inv *Inventory) CreateResource(ctx context.Context, spec map[string]string) (*models.Resource, error) {
	name := spec["name"]
	if name == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingParameter)
	}

	resource := &models.Resource{
		Type:               inv.resourceType,
		Name:               name,
		Reservable:         true,
		AuthorizedProjects: spec["authorized_projects"],
	}
	for key, field := range map[string]*int{
		"vcpus":     &resource.VCPUs,
		"memory_mb": &resource.MemoryMB,
		"disk_gb":   &resource.DiskGB,
	} {
		raw, ok := spec[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrMalformedParameter, key, raw)
		}
		*field = n
	}
	if raw, ok := spec["reservable"]; ok {
		reservable, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: reservable %q", ErrMalformedParameter, raw)
		}
		resource.Reservable = reservable
	}

	err := inv.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateResource(ctx, resource); err != nil {
			return err
		}
		for key, value := range spec {
			if identityKeys[key] {
				continue
			}
			capability := &models.ExtraCapability{ResourceID: resource.ID, Key: key, Value: value}
			if err := tx.CreateCapability(ctx, capability); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCantAddExtraCapability, key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	inv.logger.Info().Str("resource_id", resource.ID).Str("name", name).Msg("resource enrolled")
	return resource, nil
}

// UpdateCapabilities upserts extra capabilities on a resource. A key
// referenced by the filter of a pending or active reservation holding
// this resource cannot be changed.
func (inv *Inventory) UpdateCapabilities(ctx context.Context, resourceID string, updates map[string]string) error {
	resource, err := inv.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}

	referenced, err := inv.referencedKeys(ctx, resourceID)
	if err != nil {
		return err
	}
	for key := range updates {
		if referenced[key] {
			return fmt.Errorf("%w: capability %q", ErrResourceBusy, key)
		}
	}

	existing := make(map[string]models.ExtraCapability, len(resource.Capabilities))
	for _, capability := range resource.Capabilities {
		existing[capability.Key] = capability
	}

	return inv.store.Transaction(ctx, func(tx *store.Store) error {
		for key, value := range updates {
			if current, ok := existing[key]; ok {
				if value == "" {
					if err := tx.DestroyCapability(ctx, current.ID); err != nil {
						return err
					}
					continue
				}
				if err := tx.UpdateCapability(ctx, current.ID, value); err != nil {
					return err
				}
				continue
			}
			if value == "" {
				continue
			}
			capability := &models.ExtraCapability{ResourceID: resourceID, Key: key, Value: value}
			if err := tx.CreateCapability(ctx, capability); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCantAddExtraCapability, key, err)
			}
		}
		return nil
	})
}

// DeleteResource retires a resource. Resources still holding
// allocations cannot be deleted.
func (inv *Inventory) DeleteResource(ctx context.Context, resourceID string) error {
	if _, err := inv.store.GetResource(ctx, resourceID); err != nil {
		return err
	}
	allocated, err := inv.store.HasAllocations(ctx, resourceID)
	if err != nil {
		return err
	}
	if allocated {
		return fmt.Errorf("%w: %s", ErrCantDeleteResource, resourceID)
	}
	if err := inv.store.DestroyResource(ctx, resourceID); err != nil {
		return err
	}
	inv.logger.Info().Str("resource_id", resourceID).Msg("resource retired")
	return nil
}

// referencedKeys collects the filter keys of pending and active
// reservations currently allocated on the resource.
func (inv *Inventory) referencedKeys(ctx context.Context, resourceID string) (map[string]bool, error) {
	farFuture := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	affected, err := inv.store.AllocationsOnResources(ctx, inv.resourceType, []string{resourceID}, time.Now(), farFuture)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for _, entry := range affected {
		if entry.Reservation.Status != models.ReservationPending && entry.Reservation.Status != models.ReservationActive {
			continue
		}
		filter, err := properties.ParseString(entry.Reservation.Filter)
		if err != nil {
			continue
		}
		for _, clause := range filter {
			keys[clause.Key] = true
		}
	}
	return keys, nil
}
