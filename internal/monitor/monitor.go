/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package monitor watches resource health per resource type and feeds
// failures into healing. Failure detection is either polled through the
// provider or pushed by providers that support notifications; both
// paths converge on the same state transition.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/healing"
	"github.com/KTH-EXPECA/blazar/internal/provider"
	"github.com/KTH-EXPECA/blazar/internal/store"
	"github.com/KTH-EXPECA/blazar/internal/telemetry"
)

// Monitor tracks health for one resource type.
type Monitor struct {
	store        *store.Store
	adapter      provider.Adapter
	healer       *healing.Coordinator
	pollInterval time.Duration
	bus          events.Publisher
	logger       zerolog.Logger

	// IsLeader gates monitoring in multi-instance deployments. Nil
	// means always run.
	IsLeader func() bool
}

// New builds a monitor for the adapter's resource type.
func New(st *store.Store, adapter provider.Adapter, healer *healing.Coordinator, pollInterval time.Duration, bus events.Publisher, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:        st,
		adapter:      adapter,
		healer:       healer,
		pollInterval: pollInterval,
		bus:          bus,
		logger:       logger.With().Str("component", "monitor").Str("resource_type", adapter.ResourceType()).Logger(),
	}
}

// Run polls until ctx is done. Providers implementing Notifier are
// additionally subscribed for pushed health events.
func (m *Monitor) Run(ctx context.Context) error {
	var notifications <-chan provider.HealthEvent
	if notifier, ok := m.adapter.(provider.Notifier); ok {
		ch, err := notifier.Notifications(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("health notifications unavailable, polling only")
		} else {
			notifications = ch
		}
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("poll_interval", m.pollInterval).Msg("monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.IsLeader != nil && !m.IsLeader() {
				continue
			}
			if err := m.Poll(ctx); err != nil {
				m.logger.Error().Err(err).Msg("health poll failed")
			}
		case event, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if m.IsLeader != nil && !m.IsLeader() {
				continue
			}
			if err := m.handleEvent(ctx, event, true); err != nil {
				m.logger.Error().Err(err).Str("resource_id", event.ResourceID).Msg("health event failed")
			}
		}
	}
}

// Poll asks the provider for failure and recovery transitions across
// all known resources of the type and applies them. Run calls it on
// the poll interval; it is safe to call directly.
func (m *Monitor) Poll(ctx context.Context) error {
	resources, err := m.store.ListResources(ctx, m.adapter.ResourceType())
	if err != nil {
		return err
	}
	failed, recovered, err := m.adapter.PollResourceFailures(ctx, resources)
	if err != nil {
		return err
	}

	for _, resource := range recovered {
		if err := m.markRecovered(ctx, resource.ID, true); err != nil {
			m.logger.Error().Err(err).Str("resource_id", resource.ID).Msg("marking recovery")
		}
	}
	if len(failed) == 0 {
		return nil
	}

	ids := make([]string, 0, len(failed))
	for _, resource := range failed {
		if err := m.markFailed(ctx, resource.ID, true); err != nil {
			m.logger.Error().Err(err).Str("resource_id", resource.ID).Msg("marking failure")
			continue
		}
		ids = append(ids, resource.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = m.healer.Heal(ctx, ids)
	return err
}

// handleEvent applies one pushed health transition. Transitions
// replayed from another instance pass announce=false so they are not
// re-published, which would echo between instances forever.
func (m *Monitor) handleEvent(ctx context.Context, event provider.HealthEvent, announce bool) error {
	if event.Healthy {
		return m.markRecovered(ctx, event.ResourceID, announce)
	}
	if err := m.markFailed(ctx, event.ResourceID, announce); err != nil {
		return err
	}
	_, err := m.healer.Heal(ctx, []string{event.ResourceID})
	return err
}

// WatchRemote applies health transitions replayed from other instances
// until ctx is done. failed and recovered must deliver only remote
// events; feeding the local bus here would loop on this monitor's own
// announcements.
func (m *Monitor) WatchRemote(ctx context.Context, failed, recovered events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-failed:
			if !ok {
				failed = nil
				continue
			}
			m.applyRemote(ctx, payload, false)
		case payload, ok := <-recovered:
			if !ok {
				recovered = nil
				continue
			}
			m.applyRemote(ctx, payload, true)
		}
	}
}

// applyRemote maps one remote health payload onto the same transition a
// pushed provider event takes. Payloads for other resource types are
// ignored; the monitor for that type handles them.
func (m *Monitor) applyRemote(ctx context.Context, payload events.Payload, healthy bool) {
	if resourceType, ok := payload["resource_type"].(string); ok && resourceType != m.adapter.ResourceType() {
		return
	}
	resourceID, _ := payload["resource_id"].(string)
	if resourceID == "" {
		return
	}
	if m.IsLeader != nil && !m.IsLeader() {
		return
	}
	if err := m.handleEvent(ctx, provider.HealthEvent{ResourceID: resourceID, Healthy: healthy}, false); err != nil {
		m.logger.Error().Err(err).Str("resource_id", resourceID).Msg("remote health event failed")
	}
}

func (m *Monitor) markFailed(ctx context.Context, resourceID string, announce bool) error {
	if err := m.store.SetReservable(ctx, resourceID, false); err != nil {
		return err
	}
	telemetry.ResourceHealth.WithLabelValues(m.adapter.ResourceType(), resourceID).Set(0)
	if announce {
		m.bus.Publish(events.EventResourceFailed, events.Payload{
			"resource_id":   resourceID,
			"resource_type": m.adapter.ResourceType(),
		})
	}
	m.logger.Warn().Str("resource_id", resourceID).Msg("resource failed")
	return nil
}

func (m *Monitor) markRecovered(ctx context.Context, resourceID string, announce bool) error {
	if err := m.store.SetReservable(ctx, resourceID, true); err != nil {
		return err
	}
	telemetry.ResourceHealth.WithLabelValues(m.adapter.ResourceType(), resourceID).Set(1)
	if announce {
		m.bus.Publish(events.EventResourceRecovered, events.Payload{
			"resource_id":   resourceID,
			"resource_type": m.adapter.ResourceType(),
		})
	}
	m.logger.Info().Str("resource_id", resourceID).Msg("resource recovered")
	return nil
}

// Registry holds at most one monitor per resource type.
type Registry struct {
	monitors map[string]*Monitor
}

// NewRegistry creates an empty monitor registry.
func NewRegistry() *Registry {
	return &Registry{monitors: make(map[string]*Monitor)}
}

// Add registers a monitor; a second monitor for a type is an error.
func (r *Registry) Add(resourceType string, m *Monitor) error {
	if _, dup := r.monitors[resourceType]; dup {
		return fmt.Errorf("monitor for %q already registered", resourceType)
	}
	r.monitors[resourceType] = m
	return nil
}

// Get returns the monitor for a type, or nil.
func (r *Registry) Get(resourceType string) *Monitor {
	return r.monitors[resourceType]
}

// All returns every registered monitor.
func (r *Registry) All() []*Monitor {
	out := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m)
	}
	return out
}
