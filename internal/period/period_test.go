/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package period

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) time.Time { return t0.Add(offset) }

func TestFreeWithNoBookings(t *testing.T) {
	probe := Interval{Start: t0, End: at(time.Hour)}
	free := Free(nil, probe, 10*time.Minute)
	if len(free) != 1 || !free[0].Equal(probe) {
		t.Fatalf("Free() = %v, want whole probe window", free)
	}
	if reserved := Reserved(nil, probe, 10*time.Minute); len(reserved) != 0 {
		t.Fatalf("Reserved() = %v, want none", reserved)
	}
}

func TestReservedMergesTouchingPaddedBookings(t *testing.T) {
	margin := 10 * time.Minute
	bookings := []Booking{
		{Start: t0, End: at(time.Hour)},
		// Gap of exactly 2*margin: padded intervals touch and merge.
		{Start: at(time.Hour + 2*margin), End: at(2 * time.Hour)},
	}
	probe := Interval{Start: at(-time.Hour), End: at(3 * time.Hour)}
	reserved := Reserved(bookings, probe, margin)
	if len(reserved) != 1 {
		t.Fatalf("Reserved() = %v, want single merged interval", reserved)
	}
	want := Interval{Start: at(-margin), End: at(2*time.Hour + margin)}
	if !reserved[0].Equal(want) {
		t.Fatalf("Reserved()[0] = %v, want %v", reserved[0], want)
	}
}

func TestFreeAroundMarginPaddedBooking(t *testing.T) {
	margin := 10 * time.Minute
	bookings := []Booking{{Start: at(2 * time.Hour), End: at(3 * time.Hour)}}
	probe := Interval{Start: t0, End: at(5 * time.Hour)}

	free := Free(bookings, probe, margin)
	if len(free) != 2 {
		t.Fatalf("Free() = %v, want two intervals", free)
	}
	if !free[0].Equal(Interval{Start: t0, End: at(2*time.Hour - margin)}) {
		t.Errorf("leading free period = %v", free[0])
	}
	if !free[1].Equal(Interval{Start: at(3*time.Hour + margin), End: at(5 * time.Hour)}) {
		t.Errorf("trailing free period = %v", free[1])
	}
}

// Probing just inside the cleaning margin of an existing booking must not
// report the probe window as fully free; probing exactly at the margin
// boundary must.
func TestCleaningMarginBoundary(t *testing.T) {
	margin := 10 * time.Minute
	bookings := []Booking{{Start: t0, End: at(2 * time.Hour)}}

	early := Interval{Start: at(2*time.Hour + 5*time.Minute), End: at(3 * time.Hour)}
	free := Free(bookings, early, margin)
	if len(free) == 1 && free[0].Equal(early) {
		t.Fatalf("probe window %v reported free inside cleaning margin", early)
	}

	onTime := Interval{Start: at(2*time.Hour + margin), End: at(3 * time.Hour)}
	free = Free(bookings, onTime, margin)
	if len(free) != 1 || !free[0].Equal(onTime) {
		t.Fatalf("Free() = %v, want exactly %v", free, onTime)
	}
}

// Free and reserved periods must exactly tile the probe window: no gaps,
// no overlaps, endpoints in ascending order.
func TestPartitionProperty(t *testing.T) {
	margin := 15 * time.Minute
	cases := []struct {
		name     string
		bookings []Booking
		probe    Interval
	}{
		{name: "empty", bookings: nil, probe: Interval{Start: t0, End: at(4 * time.Hour)}},
		{
			name: "single booking inside",
			bookings: []Booking{
				{Start: at(time.Hour), End: at(2 * time.Hour)},
			},
			probe: Interval{Start: t0, End: at(4 * time.Hour)},
		},
		{
			name: "bookings straddling both edges",
			bookings: []Booking{
				{Start: at(-time.Hour), End: at(30 * time.Minute)},
				{Start: at(90 * time.Minute), End: at(2 * time.Hour)},
				{Start: at(3 * time.Hour), End: at(6 * time.Hour)},
			},
			probe: Interval{Start: t0, End: at(4 * time.Hour)},
		},
		{
			name: "overlapping bookings",
			bookings: []Booking{
				{Start: at(time.Hour), End: at(3 * time.Hour)},
				{Start: at(2 * time.Hour), End: at(150 * time.Minute)},
			},
			probe: Interval{Start: t0, End: at(4 * time.Hour)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reserved := Reserved(tc.bookings, tc.probe, margin)
			free := Free(tc.bookings, tc.probe, margin)

			all := append(append([]Interval{}, reserved...), free...)
			if len(all) == 0 {
				t.Fatal("no periods at all")
			}
			sortIntervals(all)

			if !all[0].Start.Equal(tc.probe.Start) {
				t.Errorf("tiling starts at %v, want %v", all[0].Start, tc.probe.Start)
			}
			for i := 1; i < len(all); i++ {
				if !all[i].Start.Equal(all[i-1].End) {
					t.Errorf("gap or overlap between %v and %v", all[i-1], all[i])
				}
			}
			if !all[len(all)-1].End.Equal(tc.probe.End) {
				t.Errorf("tiling ends at %v, want %v", all[len(all)-1].End, tc.probe.End)
			}
		})
	}
}

func TestFullyFree(t *testing.T) {
	margin := 10 * time.Minute
	bookings := []Booking{{Start: t0, End: at(2 * time.Hour)}}

	if FullyFree(bookings, at(2*time.Hour+margin), at(3*time.Hour), margin) {
		t.Error("request touching the padded booking reported fully free")
	}
	if !FullyFree(bookings, at(2*time.Hour+3*margin), at(3*time.Hour), margin) {
		t.Error("request clear of all margins reported busy")
	}
	if !FullyFree(nil, t0, at(time.Hour), margin) {
		t.Error("resource with no bookings reported busy")
	}
}

func sortIntervals(ivs []Interval) {
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && ivs[j].Start.Before(ivs[j-1].Start); j-- {
			ivs[j], ivs[j-1] = ivs[j-1], ivs[j]
		}
	}
}
