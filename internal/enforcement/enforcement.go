/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package enforcement applies usage policy to lease requests before any
// capacity is committed. Filters run in the configured order and the
// first refusal wins; projects on the exemption list bypass the chain.
package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

// ErrPolicyViolation wraps every filter refusal so callers can map it
// to a client error uniformly.
var ErrPolicyViolation = fmt.Errorf("lease violates usage policy")

// Filter is one usage policy check.
type Filter interface {
	Name() string
	CheckCreate(ctx context.Context, lease *models.Lease) error
	CheckUpdate(ctx context.Context, current, updated *models.Lease) error
	OnEnd(ctx context.Context, lease *models.Lease)
}

// Chain runs filters in order with a project exemption list.
type Chain struct {
	filters []Filter
	exempt  map[string]bool
	logger  zerolog.Logger
}

// NewChain builds a chain from the enabled filter names. Unknown names
// are an error so a typo cannot silently disable policy.
func NewChain(enabled []string, exemptProjects []string, maxLeaseDuration time.Duration, logger zerolog.Logger) (*Chain, error) {
	available := map[string]Filter{
		"max_lease_duration": &MaxLeaseDuration{Limit: maxLeaseDuration},
	}
	chain := &Chain{
		exempt: make(map[string]bool, len(exemptProjects)),
		logger: logger.With().Str("component", "enforcement").Logger(),
	}
	for _, project := range exemptProjects {
		chain.exempt[project] = true
	}
	for _, name := range enabled {
		filter, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown enforcement filter %q", name)
		}
		chain.filters = append(chain.filters, filter)
	}
	return chain, nil
}

// CheckCreate runs every filter against a new lease.
func (c *Chain) CheckCreate(ctx context.Context, lease *models.Lease) error {
	if c.exempt[lease.ProjectID] {
		return nil
	}
	for _, filter := range c.filters {
		if err := filter.CheckCreate(ctx, lease); err != nil {
			c.logger.Info().
				Str("filter", filter.Name()).
				Str("project_id", lease.ProjectID).
				Err(err).
				Msg("lease create refused")
			return fmt.Errorf("%w: %s: %v", ErrPolicyViolation, filter.Name(), err)
		}
	}
	return nil
}

// CheckUpdate runs every filter against a lease update.
func (c *Chain) CheckUpdate(ctx context.Context, current, updated *models.Lease) error {
	if c.exempt[current.ProjectID] {
		return nil
	}
	for _, filter := range c.filters {
		if err := filter.CheckUpdate(ctx, current, updated); err != nil {
			c.logger.Info().
				Str("filter", filter.Name()).
				Str("project_id", current.ProjectID).
				Err(err).
				Msg("lease update refused")
			return fmt.Errorf("%w: %s: %v", ErrPolicyViolation, filter.Name(), err)
		}
	}
	return nil
}

// OnEnd notifies every filter that a lease finished, exempt or not, so
// usage accounting stays consistent.
func (c *Chain) OnEnd(ctx context.Context, lease *models.Lease) {
	for _, filter := range c.filters {
		filter.OnEnd(ctx, lease)
	}
}

// MaxLeaseDuration refuses leases whose window exceeds a fixed limit.
// A zero limit allows everything.
type MaxLeaseDuration struct {
	Limit time.Duration
}

func (f *MaxLeaseDuration) Name() string { return "max_lease_duration" }

func (f *MaxLeaseDuration) CheckCreate(ctx context.Context, lease *models.Lease) error {
	return f.check(lease)
}

func (f *MaxLeaseDuration) CheckUpdate(ctx context.Context, current, updated *models.Lease) error {
	return f.check(updated)
}

func (f *MaxLeaseDuration) OnEnd(ctx context.Context, lease *models.Lease) {}

func (f *MaxLeaseDuration) check(lease *models.Lease) error {
	if f.Limit <= 0 {
		return nil
	}
	duration := lease.EndDate.Sub(lease.StartDate)
	if duration > f.Limit {
		return fmt.Errorf("duration %s exceeds limit %s", duration, f.Limit)
	}
	return nil
}
