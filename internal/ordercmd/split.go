package ordercmd

import "time"

// SplitStrategy names a parent-volume splitting policy.
type SplitStrategy string

const (
	SplitSimple SplitStrategy = "simple"
	SplitTWAP   SplitStrategy = "twap"
)

// chunk is one planned child order slice.
type chunk struct {
	Volume  int
	ReadyAt time.Time
}

// buildSchedule plans the child order slices for a command starting at
// start. For simple splitting every chunk is ready immediately and pacing is
// left to the order interval; TWAP distributes the target across N slices
// with equal time spacing and the sum exactly equal to the target.
func buildSchedule(strategy SplitStrategy, target, maxPerOrder int, twapDuration time.Duration, start time.Time) []chunk {
	if maxPerOrder <= 0 {
		maxPerOrder = target
	}
	if target <= 0 {
		return nil
	}

	switch strategy {
	case SplitTWAP:
		n := (target + maxPerOrder - 1) / maxPerOrder
		if secs := int(twapDuration / time.Second); secs < n {
			n = secs
		}
		if n < 1 {
			n = 1
		}
		base := target / n
		rem := target % n
		out := make([]chunk, 0, n)
		for i := 0; i < n; i++ {
			vol := base
			if i < rem {
				vol++ // spread the remainder one unit per earlier slice
			}
			out = append(out, chunk{
				Volume:  vol,
				ReadyAt: start.Add(time.Duration(i) * twapDuration / time.Duration(n)),
			})
		}
		return out

	default: // simple
		out := make([]chunk, 0, (target+maxPerOrder-1)/maxPerOrder)
		for remaining := target; remaining > 0; remaining -= maxPerOrder {
			vol := remaining
			if vol > maxPerOrder {
				vol = maxPerOrder
			}
			out = append(out, chunk{Volume: vol, ReadyAt: start})
		}
		return out
	}
}
