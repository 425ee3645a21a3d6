package calc

import (
	"slices"

	"example.com/meter-logger/src/reading"
)

// findChannelData searches rds from pos for one reading per channel, all within the
// same data tolerance of each other. On success it returns the reading positions in
// channel order and the position to continue from. Readings may be grouped by channel,
// so the search continues right after the earliest matched reading.
func (c *Calculation) findChannelData(rds []reading.Reading, pos int) ([]int, int, bool) {
	if len(c.channels) == 0 || pos >= len(rds) {
		return nil, pos, false
	}

	positions := c.positions[:0]
	first := pos

search:
	for first < len(rds) {
	channels:
		for _, ch := range c.channels {
			for idx := first; idx < len(rds); idx++ {
				if !reading.Same(rds[idx].Identifier, ch.Identifier) {
					continue
				}
				for _, p := range positions {
					if p != idx && !c.sameTime(rds[idx], rds[p]) {
						// drop the candidate set and restart behind the breaking reading
						positions = positions[:0]
						first = idx + 1
						continue search
					}
				}
				positions = append(positions, idx)
				continue channels
			}
			// no reading left for this channel
			break search
		}
		break
	}
	c.positions = positions

	if len(positions) != len(c.channels) {
		if pos == 0 {
			c.log.Tracef("no channel data found, data=%d, ch=%d<%d", len(rds), len(positions), len(c.channels))
		}
		return nil, pos, false
	}

	return positions, slices.Min(positions) + 1, true
}

func (c *Calculation) sameTime(a, b reading.Reading) bool {
	dt := a.Time.Sub(b.Time)
	if dt < 0 {
		dt = -dt
	}
	return dt < c.cfg.SameDataTolerance
}
