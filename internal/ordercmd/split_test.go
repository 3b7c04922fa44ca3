package ordercmd

import (
	"testing"
	"time"
)

func TestSimpleScheduleChunks(t *testing.T) {
	start := time.Date(2024, 6, 3, 9, 30, 0, 0, time.Local)
	got := buildSchedule(SplitSimple, 10, 3, 0, start)
	wantVols := []int{3, 3, 3, 1}
	if len(got) != len(wantVols) {
		t.Fatalf("chunks %v, expected %v", got, wantVols)
	}
	for i, c := range got {
		if c.Volume != wantVols[i] {
			t.Fatalf("chunk %d volume %d, expected %d", i, c.Volume, wantVols[i])
		}
		if !c.ReadyAt.Equal(start) {
			t.Fatalf("simple chunk %d ready at %v, expected immediate", i, c.ReadyAt)
		}
	}
}

func TestTWAPScheduleEvenSlices(t *testing.T) {
	start := time.Date(2024, 6, 3, 9, 30, 0, 0, time.Local)
	got := buildSchedule(SplitTWAP, 9, 3, 9*time.Second, start)
	if len(got) != 3 {
		t.Fatalf("slice count %d, expected 3", len(got))
	}
	for i, c := range got {
		if c.Volume != 3 {
			t.Fatalf("slice %d volume %d, expected 3", i, c.Volume)
		}
		want := start.Add(time.Duration(i) * 3 * time.Second)
		if !c.ReadyAt.Equal(want) {
			t.Fatalf("slice %d ready at %v, expected %v", i, c.ReadyAt, want)
		}
	}
}

func TestTWAPRemainderGoesToEarlierSlices(t *testing.T) {
	start := time.Now()
	got := buildSchedule(SplitTWAP, 10, 3, 4*time.Second, start)
	wantVols := []int{3, 3, 2, 2}
	if len(got) != len(wantVols) {
		t.Fatalf("slice count %d, expected %d", len(got), len(wantVols))
	}
	for i, c := range got {
		if c.Volume != wantVols[i] {
			t.Fatalf("slice %d volume %d, expected %d", i, c.Volume, wantVols[i])
		}
	}
}

func TestScheduleSumsToTarget(t *testing.T) {
	cases := []struct {
		strategy SplitStrategy
		target   int
		max      int
		dur      time.Duration
	}{
		{SplitSimple, 1, 1, 0},
		{SplitSimple, 7, 10, 0},
		{SplitSimple, 100, 7, 0},
		{SplitTWAP, 1, 5, 30 * time.Second},
		{SplitTWAP, 17, 4, 10 * time.Second},
		{SplitTWAP, 50, 3, 5 * time.Second},
		{SplitTWAP, 5, 2, 0}, // degenerate duration collapses to one slice
	}
	for _, tc := range cases {
		chunks := buildSchedule(tc.strategy, tc.target, tc.max, tc.dur, time.Now())
		sum := 0
		for _, c := range chunks {
			sum += c.Volume
		}
		if sum != tc.target {
			t.Fatalf("%s target=%d max=%d dur=%v: chunks sum %d",
				tc.strategy, tc.target, tc.max, tc.dur, sum)
		}
	}
}
