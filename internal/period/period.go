/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package period computes free and reserved sub-intervals of a probe
// window relative to a resource's existing bookings. All intervals are
// half-open [start, end); every booking is padded with a cleaning
// margin on both sides before it counts as reserved.
package period

import (
	"sort"
	"time"
)

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the interval is empty or inverted.
func (i Interval) IsZero() bool {
	return !i.Start.Before(i.End)
}

// Equal reports exact equality of both endpoints.
func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.End.Equal(other.End)
}

// Booking is an existing allocation's effective lease window.
type Booking struct {
	Start time.Time
	End   time.Time
}

// Reserved returns the merged, margin-padded booking intervals clipped to
// the probe window, in ascending order. Touching or overlapping padded
// bookings merge into one interval.
func Reserved(bookings []Booking, probe Interval, margin time.Duration) []Interval {
	if probe.IsZero() {
		return nil
	}

	padded := make([]Interval, 0, len(bookings))
	for _, b := range bookings {
		iv := Interval{Start: b.Start.Add(-margin), End: b.End.Add(margin)}
		if iv.End.Before(probe.Start) || iv.End.Equal(probe.Start) {
			continue
		}
		if iv.Start.After(probe.End) || iv.Start.Equal(probe.End) {
			continue
		}
		if iv.Start.Before(probe.Start) {
			iv.Start = probe.Start
		}
		if iv.End.After(probe.End) {
			iv.End = probe.End
		}
		if !iv.IsZero() {
			padded = append(padded, iv)
		}
	}
	if len(padded) == 0 {
		return nil
	}

	sort.Slice(padded, func(i, j int) bool { return padded[i].Start.Before(padded[j].Start) })

	merged := padded[:1]
	for _, iv := range padded[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Free returns the ordered complement of Reserved within the probe
// window. With zero bookings the whole probe window is free.
func Free(bookings []Booking, probe Interval, margin time.Duration) []Interval {
	if probe.IsZero() {
		return nil
	}

	reserved := Reserved(bookings, probe, margin)
	free := make([]Interval, 0, len(reserved)+1)
	cursor := probe.Start
	for _, r := range reserved {
		if cursor.Before(r.Start) {
			free = append(free, Interval{Start: cursor, End: r.Start})
		}
		cursor = r.End
	}
	if cursor.Before(probe.End) {
		free = append(free, Interval{Start: cursor, End: probe.End})
	}
	return free
}

// FullyFree reports whether a resource with the given bookings can take a
// new booking over [start, end): the probe window widened by the margin
// on both sides must come back as a single uninterrupted free period, so
// that no existing booking, even padded, touches the padded request.
func FullyFree(bookings []Booking, start, end time.Time, margin time.Duration) bool {
	probe := Interval{Start: start.Add(-margin), End: end.Add(margin)}
	free := Free(bookings, probe, margin)
	return len(free) == 1 && free[0].Equal(probe)
}
