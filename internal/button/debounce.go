package button

import "time"

// debouncer tracks the stable state of one input line. A new level must be
// observed continuously for the debounce window before it becomes stable.
type debouncer struct {
	// Current stable (debounced) level
	stable bool
	// Level waiting out the debounce window
	pending    bool
	hasPending bool
	// Time when the pending level was first observed
	pendingSince time.Time
	// Whether an initial stable level has been established
	baselined bool
}

// update feeds a raw sample and reports whether the stable level changed.
// No change is reported while the baseline is being established, so a
// button held down at boot does not produce a press.
func (d *debouncer) update(raw bool, now time.Time, window time.Duration) bool {
	if d.baselined && raw == d.stable {
		d.hasPending = false
		return false
	}

	if !d.hasPending || d.pending != raw {
		d.pending = raw
		d.pendingSince = now
		d.hasPending = true
	}

	if now.Sub(d.pendingSince) < window {
		return false
	}

	d.hasPending = false
	if !d.baselined {
		d.stable = raw
		d.baselined = true
		return false
	}
	d.stable = raw
	return true
}
