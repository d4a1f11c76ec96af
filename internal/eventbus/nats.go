/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package eventbus bridges the in-process event bus onto NATS so every
// instance of the service sees every event. Local delivery never
// depends on the broker: publishes always hit the in-memory bus first.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/events"
)

const subjectPrefix = "blazar.events."

// natsMessage is the wire envelope for one event.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// NATSBus fans events out across instances. Events published locally go
// to the local bus and to NATS; events arriving from NATS are replayed
// onto the local bus unless this node published them.
type NATSBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *events.Bus
	remote *events.Bus
	nodeID string
	logger zerolog.Logger
}

// NewNATSBus connects to NATS and starts mirroring remote events onto
// the local bus.
func NewNATSBus(url string, local *events.Bus, logger zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	bus := &NATSBus{
		conn:   conn,
		local:  local,
		remote: events.NewBus(),
		nodeID: uuid.NewString(),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}

	bus.sub, err = conn.Subscribe(subjectPrefix+">", bus.receive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe nats events: %w", err)
	}

	bus.logger.Info().Str("url", url).Msg("nats event bus connected")
	return bus, nil
}

// Publish delivers locally then broadcasts to other instances.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	msg := natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nb.nodeID,
		MessageID: uuid.NewString(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("marshaling event")
		return
	}
	if err := nb.conn.Publish(subjectPrefix+string(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("publishing event")
	}
}

// Subscribe registers a local subscriber; it sees both local and remote
// events.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.local.Subscribe(eventType)
}

// Unsubscribe removes a local subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// SubscribeRemote registers a subscriber that sees only events
// published by other instances, never this node's own. Consumers that
// would re-announce what they receive, like the health monitors, must
// use this feed instead of Subscribe or every event would echo between
// instances.
func (nb *NATSBus) SubscribeRemote(eventType events.EventType) events.Subscriber {
	return nb.remote.Subscribe(eventType)
}

// receive replays a remote event onto the local and remote-only buses.
func (nb *NATSBus) receive(msg *nats.Msg) {
	var envelope natsMessage
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		nb.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
		return
	}
	if envelope.NodeID == nb.nodeID {
		// Already delivered locally at publish time.
		return
	}
	nb.local.Publish(envelope.EventType, envelope.Payload)
	nb.remote.Publish(envelope.EventType, envelope.Payload)
}

// Close drains the subscription and closes the connection.
func (nb *NATSBus) Close() error {
	if nb.sub != nil {
		if err := nb.sub.Drain(); err != nil {
			nb.logger.Warn().Err(err).Msg("draining nats subscription")
		}
	}
	nb.conn.Close()
	return nil
}
