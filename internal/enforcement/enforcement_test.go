/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package enforcement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func lease(projectID string, duration time.Duration) *models.Lease {
	return &models.Lease{
		Name:      "lease",
		ProjectID: projectID,
		StartDate: base,
		EndDate:   base.Add(duration),
		Status:    models.LeasePending,
	}
}

func TestChainRejectsUnknownFilter(t *testing.T) {
	_, err := NewChain([]string{"max_lease_duration", "max_leases_per_project"}, nil, time.Hour, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected unknown filter name to fail")
	}
}

func TestMaxLeaseDurationRefusesLongLease(t *testing.T) {
	chain, err := NewChain([]string{"max_lease_duration"}, nil, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	if err := chain.CheckCreate(context.Background(), lease("p1", 30*time.Minute)); err != nil {
		t.Fatalf("short lease refused: %v", err)
	}
	err = chain.CheckCreate(context.Background(), lease("p1", 2*time.Hour))
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
}

func TestExemptProjectBypassesFilters(t *testing.T) {
	chain, err := NewChain([]string{"max_lease_duration"}, []string{"admin"}, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if err := chain.CheckCreate(context.Background(), lease("admin", 48*time.Hour)); err != nil {
		t.Fatalf("exempt project refused: %v", err)
	}
	if err := chain.CheckUpdate(context.Background(), lease("admin", time.Hour), lease("admin", 48*time.Hour)); err != nil {
		t.Fatalf("exempt project update refused: %v", err)
	}
}

func TestCheckUpdateJudgesTheNewWindow(t *testing.T) {
	chain, err := NewChain([]string{"max_lease_duration"}, nil, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	current := lease("p1", 30*time.Minute)
	grown := lease("p1", 3*time.Hour)
	if err := chain.CheckUpdate(context.Background(), current, grown); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}

	shrunk := lease("p1", 20*time.Minute)
	if err := chain.CheckUpdate(context.Background(), current, shrunk); err != nil {
		t.Fatalf("shrinking refused: %v", err)
	}
}

func TestZeroLimitAllowsEverything(t *testing.T) {
	chain, err := NewChain([]string{"max_lease_duration"}, nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if err := chain.CheckCreate(context.Background(), lease("p1", 10000*time.Hour)); err != nil {
		t.Fatalf("zero limit refused a lease: %v", err)
	}
}

func TestEmptyChainAllowsEverything(t *testing.T) {
	chain, err := NewChain(nil, nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if err := chain.CheckCreate(context.Background(), lease("p1", 10000*time.Hour)); err != nil {
		t.Fatalf("empty chain refused a lease: %v", err)
	}
}
