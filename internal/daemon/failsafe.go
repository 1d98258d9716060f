package daemon

import "time"

// recordFailure wraps the configured FailureRecorder with a dedup window: a
// flapping agent re-triggering the same termination reason across several
// ticks produces one knowledge-base note per window, not one per tick.
func (d *Daemon) recordFailure(agentName, reason string, now time.Time) {
	if d.cfg.FailureRecorder == nil {
		return
	}
	window := time.Duration(d.cfg.Thresholds.FailureDedupMS) * time.Millisecond
	if window > 0 {
		key := agentName + "\x00" + reason
		d.mu.Lock()
		if d.recentFailures == nil {
			d.recentFailures = make(map[string]time.Time)
		}
		if last, ok := d.recentFailures[key]; ok && now.Sub(last) < window {
			d.mu.Unlock()
			return
		}
		d.recentFailures[key] = now
		d.mu.Unlock()
	}
	d.cfg.FailureRecorder.RecordFailure(agentName, reason)
}

// noteTermination records a termination at now and reports whether this tick
// just crossed the mass-death threshold: at least MassDeathThreshold
// terminations within the trailing MassDeathWindowMS. It fires once per
// crossing, not once per termination after the threshold is already met, so a
// genuine mass-death event produces a single escalation note rather than a
// flood of them.
func (d *Daemon) noteTermination(now time.Time) bool {
	window := time.Duration(d.cfg.Thresholds.MassDeathWindowMS) * time.Millisecond
	threshold := d.cfg.Thresholds.MassDeathThreshold
	if window <= 0 || threshold <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-window)
	kept := d.recentTerminations[:0]
	for _, t := range d.recentTerminations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	d.recentTerminations = kept

	return len(kept) == threshold
}
