package catalog

import "time"

// SetClock replaces the time source.
func (c *Catalog) SetClock(now func() time.Time) {
	c.now = now
}

// SetTiming replaces the admission timing knobs.
func (c *Catalog) SetTiming(poll, overall, stale time.Duration) {
	c.pollInterval = poll
	c.waitDeadline = overall
	c.staleDeadline = stale
}

// SetUsageFunc replaces the disk usage probe.
func (s *Sweeper) SetUsageFunc(usage func(dir string) (float64, error)) {
	s.usage = usage
}
