/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package matcher turns a property filter plus a count range into a
// concrete resource set. Resources that have never held an allocation
// are preferred, to spread load and keep cleaning margins from piling
// up on a few busy resources. The shuffle is fairness only; callers
// must not depend on ordering.
package matcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/period"
	"github.com/KTH-EXPECA/blazar/internal/properties"
	"github.com/KTH-EXPECA/blazar/internal/store"
)

// Request describes one matching pass.
type Request struct {
	ResourceType string
	Filter       properties.Filter
	Min          int
	Max          int
	Start        time.Time
	End          time.Time
	ProjectID    string
}

// Matcher selects qualifying resources for reservation requests.
type Matcher struct {
	store  *store.Store
	margin time.Duration
	logger zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// commitMu serializes match-then-commit critical sections. Every
	// writer that commits based on a Match answer must hold it, so the
	// engine and the healing coordinator sharing a matcher cannot both
	// claim the last free resource. The postgres overlap trigger closes
	// the same race at the database; this closes it in-process on every
	// dialect.
	commitMu sync.Mutex
}

// New builds a matcher with the given cleaning margin. src seeds the
// shuffle; pass a fixed source in tests for a deterministic permutation.
func New(st *store.Store, margin time.Duration, src rand.Source, logger zerolog.Logger) *Matcher {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Matcher{
		store:  st,
		margin: margin,
		rng:    rand.New(src),
		logger: logger.With().Str("component", "matcher").Logger(),
	}
}

// Guard returns the mutex serializing match-then-commit sections.
// Callers lock it before Match and release it after the write that
// depends on the answer.
func (m *Matcher) Guard() *sync.Mutex { return &m.commitMu }

// Match returns up to req.Max qualifying resource ids, or an empty slice
// when fewer than req.Min qualify. It never mutates the store.
func (m *Matcher) Match(ctx context.Context, req Request) ([]string, error) {
	candidates, err := m.store.ReservableResources(ctx, req.ResourceType)
	if err != nil {
		return nil, err
	}

	var neverAllocated, allocatedButFree []string
	for _, resource := range candidates {
		if !req.Filter.Matches(resource.AttributeMap()) {
			continue
		}
		if !resource.ProjectAllowed(req.ProjectID) {
			continue
		}

		allocated, err := m.store.HasAllocations(ctx, resource.ID)
		if err != nil {
			return nil, err
		}
		if !allocated {
			neverAllocated = append(neverAllocated, resource.ID)
			continue
		}

		bookings, err := m.store.Bookings(ctx, resource.ID, "")
		if err != nil {
			return nil, err
		}
		if period.FullyFree(bookings, req.Start, req.End, m.margin) {
			allocatedButFree = append(allocatedButFree, resource.ID)
		}
	}

	if len(neverAllocated) > 0 && len(neverAllocated) >= req.Min {
		m.shuffle(neverAllocated)
		return truncate(neverAllocated, req.Max), nil
	}

	all := append(allocatedButFree, neverAllocated...)
	if len(all) >= req.Min {
		m.shuffle(all)
		return truncate(all, req.Max), nil
	}

	m.logger.Debug().
		Str("resource_type", req.ResourceType).
		Int("min", req.Min).
		Int("qualifying", len(all)).
		Msg("not enough qualifying resources")
	return nil, nil
}

func (m *Matcher) shuffle(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

func truncate(ids []string, max int) []string {
	if len(ids) > max {
		return ids[:max]
	}
	return ids
}
