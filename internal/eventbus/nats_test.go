/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/events"
)

// bridge builds a NATSBus without a broker connection; receive and the
// subscribe paths never touch it.
func bridge() *NATSBus {
	return &NATSBus{
		local:  events.NewBus(),
		remote: events.NewBus(),
		nodeID: "this-node",
		logger: zerolog.Nop(),
	}
}

func envelope(t *testing.T, nodeID string, eventType events.EventType, payload events.Payload) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		MessageID: "m1",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &nats.Msg{Subject: subjectPrefix + string(eventType), Data: data}
}

func TestReceiveReplaysRemoteEvents(t *testing.T) {
	nb := bridge()
	local := nb.Subscribe(events.EventResourceFailed)
	remote := nb.SubscribeRemote(events.EventResourceFailed)

	nb.receive(envelope(t, "other-node", events.EventResourceFailed, events.Payload{
		"resource_id": "r1", "resource_type": "host",
	}))

	select {
	case payload := <-local:
		if payload["resource_id"] != "r1" {
			t.Fatalf("unexpected local payload: %v", payload)
		}
	default:
		t.Fatalf("expected remote event on the local bus")
	}
	select {
	case payload := <-remote:
		if payload["resource_id"] != "r1" {
			t.Fatalf("unexpected remote payload: %v", payload)
		}
	default:
		t.Fatalf("expected remote event on the remote-only feed")
	}
}

func TestReceiveDropsOwnEcho(t *testing.T) {
	nb := bridge()
	local := nb.Subscribe(events.EventResourceFailed)
	remote := nb.SubscribeRemote(events.EventResourceFailed)

	nb.receive(envelope(t, nb.nodeID, events.EventResourceFailed, events.Payload{
		"resource_id": "r1",
	}))

	select {
	case <-local:
		t.Fatalf("own publish must not be replayed locally")
	default:
	}
	select {
	case <-remote:
		t.Fatalf("own publish must not reach the remote-only feed")
	default:
	}
}

func TestReceiveDropsMalformedEnvelope(t *testing.T) {
	nb := bridge()
	local := nb.Subscribe(events.EventResourceFailed)

	nb.receive(&nats.Msg{Subject: subjectPrefix + "resource.failed", Data: []byte("{truncated")})

	select {
	case <-local:
		t.Fatalf("malformed envelope must be dropped")
	default:
	}
}
