/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotEnoughResources means fewer resources qualify than the
	// requested minimum, or an update would drop allocations an active
	// reservation still needs.
	ErrNotEnoughResources = errors.New("not enough resources available")

	// ErrInvalidRange means the count range is inverted or the minimum
	// is below one.
	ErrInvalidRange = errors.New("invalid count range")

	// ErrMissingParameter means a required reservation parameter was
	// not supplied.
	ErrMissingParameter = errors.New("missing required parameter")

	// ErrMalformedParameter means a reservation parameter did not parse.
	ErrMalformedParameter = errors.New("malformed parameter")

	// ErrCantAddExtraCapability means one or more extra capabilities
	// could not be attached to a resource.
	ErrCantAddExtraCapability = errors.New("cannot add extra capability")

	// ErrCantDeleteResource means a resource still holds allocations.
	ErrCantDeleteResource = errors.New("cannot delete resource with allocations")

	// ErrResourceBusy means a capability update would break a filter a
	// live reservation depends on.
	ErrResourceBusy = errors.New("resource is referenced by an active reservation filter")
)

// ProvisioningError reports a provider failure while binding resources
// at lease start. The reservation is left in the error state with the
// offending resources recorded.
type ProvisioningError struct {
	ReservationID string
	ResourceIDs   []string
	Err           error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning reservation %s on [%s]: %v",
		e.ReservationID, strings.Join(e.ResourceIDs, ", "), e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
