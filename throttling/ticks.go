package throttling

import "time"

// snapToNextTick returns the first instant at or after t that lies on the
// grid of interval-spaced ticks anchored at the Unix epoch. A non-positive
// interval leaves t unchanged.
func snapToNextTick(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t
	}
	offset := time.Duration(t.UnixNano() % int64(interval))
	if offset < 0 {
		offset += interval
	}
	if offset == 0 {
		return t
	}
	return t.Add(interval - offset)
}
