/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/enforcement"
	"github.com/KTH-EXPECA/blazar/internal/engine"
	"github.com/KTH-EXPECA/blazar/internal/manager"
	"github.com/KTH-EXPECA/blazar/internal/models"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

// API exposes HTTP handlers.
type API struct {
	manager     *manager.Manager
	store       *store.Store
	inventories map[string]*engine.Inventory
	logger      zerolog.Logger
}

// New creates the API router wrapper.
func New(m *manager.Manager, st *store.Store, inventories map[string]*engine.Inventory, logger zerolog.Logger) *API {
	return &API{
		manager:     m,
		store:       st,
		inventories: inventories,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/leases", func(r chi.Router) {
			r.Get("/", a.handleLeasesList)
			r.Post("/", a.handleLeasesCreate)
			r.Route("/{leaseID}", func(r chi.Router) {
				r.Get("/", a.handleLeasesGet)
				r.Put("/", a.handleLeasesUpdate)
				r.Delete("/", a.handleLeasesDelete)
			})
		})
		r.Route("/resources", func(r chi.Router) {
			r.Get("/", a.handleResourcesList)
			r.Post("/", a.handleResourcesCreate)
			r.Route("/{resourceID}", func(r chi.Router) {
				r.Get("/", a.handleResourcesGet)
				r.Patch("/capabilities", a.handleCapabilitiesUpdate)
				r.Delete("/", a.handleResourcesDelete)
				r.Get("/allocations", a.handleAllocationsList)
			})
		})
	})
}

type reservationPayload struct {
	ResourceType string   `json:"resource_type"`
	Min          string   `json:"min"`
	Max          string   `json:"max"`
	Filter       []string `json:"filter,omitempty"`
	BeforeEnd    string   `json:"before_end,omitempty"`
}

type leaseCreatePayload struct {
	Name         string               `json:"name"`
	ProjectID    string               `json:"project_id"`
	UserID       string               `json:"user_id"`
	StartDate    time.Time            `json:"start_date"`
	EndDate      time.Time            `json:"end_date"`
	Reservations []reservationPayload `json:"reservations"`
}

func (a *API) handleLeasesList(w http.ResponseWriter, r *http.Request) {
	leases, err := a.manager.ListLeases(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leases)
}

func (a *API) handleLeasesCreate(w http.ResponseWriter, r *http.Request) {
	var payload leaseCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	req := manager.CreateLeaseRequest{
		Name:      payload.Name,
		ProjectID: payload.ProjectID,
		UserID:    payload.UserID,
		StartDate: payload.StartDate,
		EndDate:   payload.EndDate,
	}
	for _, res := range payload.Reservations {
		req.Reservations = append(req.Reservations, manager.ReservationSpec{
			ResourceType: res.ResourceType,
			Min:          res.Min,
			Max:          res.Max,
			Filter:       res.Filter,
			BeforeEnd:    models.BeforeEndAction(res.BeforeEnd),
		})
	}

	lease, err := a.manager.CreateLease(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lease)
}

func (a *API) handleLeasesGet(w http.ResponseWriter, r *http.Request) {
	lease, err := a.manager.GetLease(r.Context(), chi.URLParam(r, "leaseID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

type reservationUpdatePayload struct {
	ID        string   `json:"id"`
	Min       *int     `json:"min,omitempty"`
	Max       *int     `json:"max,omitempty"`
	Filter    []string `json:"filter,omitempty"`
	BeforeEnd *string  `json:"before_end,omitempty"`
}

type leaseUpdatePayload struct {
	Name         *string                    `json:"name,omitempty"`
	StartDate    *time.Time                 `json:"start_date,omitempty"`
	EndDate      *time.Time                 `json:"end_date,omitempty"`
	Reservations []reservationUpdatePayload `json:"reservations,omitempty"`
}

func (a *API) handleLeasesUpdate(w http.ResponseWriter, r *http.Request) {
	var payload leaseUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	req := manager.UpdateLeaseRequest{
		Name:      payload.Name,
		StartDate: payload.StartDate,
		EndDate:   payload.EndDate,
	}
	for _, res := range payload.Reservations {
		upd := manager.ReservationUpdate{
			ID:     res.ID,
			Min:    res.Min,
			Max:    res.Max,
			Filter: res.Filter,
		}
		if res.BeforeEnd != nil {
			action := models.BeforeEndAction(*res.BeforeEnd)
			upd.BeforeEnd = &action
		}
		req.Reservations = append(req.Reservations, upd)
	}

	lease, err := a.manager.UpdateLease(r.Context(), chi.URLParam(r, "leaseID"), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (a *API) handleLeasesDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.DeleteLease(r.Context(), chi.URLParam(r, "leaseID")); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResourcesList(w http.ResponseWriter, r *http.Request) {
	resources, err := a.store.ListResources(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

type resourceCreatePayload struct {
	ResourceType string            `json:"resource_type"`
	Spec         map[string]string `json:"spec"`
}

func (a *API) handleResourcesCreate(w http.ResponseWriter, r *http.Request) {
	var payload resourceCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	inventory, ok := a.inventories[payload.ResourceType]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_resource_type")
		return
	}
	resource, err := inventory.CreateResource(r.Context(), payload.Spec)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resource)
}

func (a *API) handleResourcesGet(w http.ResponseWriter, r *http.Request) {
	resource, err := a.store.GetResource(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resource)
}

func (a *API) handleCapabilitiesUpdate(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	resource, err := a.store.GetResource(r.Context(), resourceID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	inventory, ok := a.inventories[resource.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_resource_type")
		return
	}

	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := inventory.UpdateCapabilities(r.Context(), resourceID, updates); err != nil {
		a.writeDomainError(w, err)
		return
	}
	updated, err := a.store.GetResource(r.Context(), resourceID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleResourcesDelete(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	resource, err := a.store.GetResource(r.Context(), resourceID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	inventory, ok := a.inventories[resource.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_resource_type")
		return
	}
	if err := inventory.DeleteResource(r.Context(), resourceID); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAllocationsList(w http.ResponseWriter, r *http.Request) {
	allocations, err := a.store.AllocationHistoryUnscoped(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocations)
}

// writeDomainError maps domain errors to HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, engine.ErrNotEnoughResources):
		writeError(w, http.StatusConflict, "not_enough_resources")
	case errors.Is(err, engine.ErrCantDeleteResource),
		errors.Is(err, engine.ErrResourceBusy):
		writeError(w, http.StatusConflict, "resource_busy")
	case errors.Is(err, engine.ErrInvalidRange),
		errors.Is(err, engine.ErrMissingParameter),
		errors.Is(err, engine.ErrMalformedParameter),
		errors.Is(err, engine.ErrCantAddExtraCapability),
		errors.Is(err, manager.ErrInvalidDates),
		errors.Is(err, manager.ErrUnknownResourceType),
		errors.Is(err, manager.ErrLeaseFinished),
		errors.Is(err, enforcement.ErrPolicyViolation):
		writeError(w, http.StatusBadRequest, "invalid_request")
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
