package drift

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// FlapDetector tracks pass/fail transitions per finding fingerprint and
// suppresses healing when a check rapidly alternates. A flapping
// finding still travels in evidence (marked), but repeatedly healing a
// target that heals itself back is how appliances melt maintenance
// windows.
//
// Flapping = more than flapThreshold transitions within the window;
// cleared after stabilizeCount consecutive identical results.
type FlapDetector struct {
	mu             sync.Mutex
	history        map[string]*flapHistory
	windowSize     int
	flapThreshold  int
	stabilizeCount int
	window         time.Duration
}

type flapHistory struct {
	results    []bool
	timestamps []time.Time
	pos        int
	count      int
	flapping   bool
	suppressed int
}

// NewFlapDetector creates a detector with the fleet defaults: last 6
// results, 3 transitions within 30 minutes marks flapping, 3 stable
// results clears it.
func NewFlapDetector() *FlapDetector {
	return &FlapDetector{
		history:        make(map[string]*flapHistory),
		windowSize:     6,
		flapThreshold:  3,
		stabilizeCount: 3,
		window:         30 * time.Minute,
	}
}

// Observe records one result for a fingerprint and reports whether the
// finding is currently considered flapping. passed=true means the
// check was clean this tick.
func (fd *FlapDetector) Observe(fingerprint string, passed bool) bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	h, ok := fd.history[fingerprint]
	if !ok {
		h = &flapHistory{
			results:    make([]bool, fd.windowSize),
			timestamps: make([]time.Time, fd.windowSize),
		}
		fd.history[fingerprint] = h
	}

	h.results[h.pos] = passed
	h.timestamps[h.pos] = time.Now()
	h.pos = (h.pos + 1) % fd.windowSize
	if h.count < fd.windowSize {
		h.count++
	}

	if h.flapping && fd.isStabilized(h) {
		h.flapping = false
		if h.suppressed > 0 {
			log.Printf("[flap] %s stabilized after suppressing %d healing attempts", fingerprint, h.suppressed)
		}
		h.suppressed = 0
	} else if !h.flapping {
		if fd.countTransitions(h) >= fd.flapThreshold {
			h.flapping = true
			h.suppressed = 0
			log.Printf("[flap] %s flapping (%d+ transitions in %d results)", fingerprint, fd.flapThreshold, h.count)
		}
	}

	if h.flapping && !passed {
		h.suppressed++
	}
	return h.flapping
}

// countTransitions counts result changes inside the time window,
// walking the ring buffer oldest to newest.
func (fd *FlapDetector) countTransitions(h *flapHistory) int {
	if h.count < 2 {
		return 0
	}
	cutoff := time.Now().Add(-fd.window)
	start := 0
	if h.count >= fd.windowSize {
		start = h.pos
	}

	transitions := 0
	var prev bool
	seeded := false
	for i := 0; i < h.count; i++ {
		idx := (start + i) % fd.windowSize
		if h.timestamps[idx].Before(cutoff) {
			continue
		}
		if seeded && h.results[idx] != prev {
			transitions++
		}
		prev = h.results[idx]
		seeded = true
	}
	return transitions
}

func (fd *FlapDetector) isStabilized(h *flapHistory) bool {
	if h.count < fd.stabilizeCount {
		return false
	}
	newest := (h.pos - 1 + fd.windowSize) % fd.windowSize
	val := h.results[newest]
	for i := 1; i < fd.stabilizeCount; i++ {
		idx := (newest - i + fd.windowSize) % fd.windowSize
		if h.results[idx] != val {
			return false
		}
	}
	return true
}

// Status returns a human-readable state for one fingerprint.
func (fd *FlapDetector) Status(fingerprint string) string {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	h, ok := fd.history[fingerprint]
	if !ok {
		return "no data"
	}
	if h.flapping {
		return fmt.Sprintf("flapping (suppressed %d)", h.suppressed)
	}
	return "stable"
}
