package orchestrator

import (
	"math"
	"sync"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// phaseWeights are each phase's share of the 0-100 progress range when every
// phase is enabled. Disabled phases give their share back by renormalization.
var phaseWeights = map[schemas.ScanPhase]int{
	schemas.PhaseJSExtraction:          30,
	schemas.PhaseAPIDiscovery:          40,
	schemas.PhaseMicroserviceDetection: 10,
	schemas.PhaseSecurityChecks:        15,
	schemas.PhaseAIVerification:        5,
}

var phaseOrder = []schemas.ScanPhase{
	schemas.PhaseJSExtraction,
	schemas.PhaseAPIDiscovery,
	schemas.PhaseMicroserviceDetection,
	schemas.PhaseSecurityChecks,
	schemas.PhaseAIVerification,
}

// progressTracker maps per-phase completion fractions onto the overall 0-100
// scale. Progress is monotonic: a computed value lower than what was already
// reported is ignored.
type progressTracker struct {
	mu      sync.Mutex
	offsets map[schemas.ScanPhase]float64
	spans   map[schemas.ScanPhase]float64
	value   int
}

// newProgressTracker renormalizes the phase weights over the enabled set.
func newProgressTracker(enabled []schemas.ScanPhase) *progressTracker {
	on := make(map[schemas.ScanPhase]bool, len(enabled))
	total := 0
	for _, p := range enabled {
		on[p] = true
		total += phaseWeights[p]
	}

	t := &progressTracker{
		offsets: make(map[schemas.ScanPhase]float64),
		spans:   make(map[schemas.ScanPhase]float64),
	}
	if total == 0 {
		return t
	}
	cum := 0.0
	for _, p := range phaseOrder {
		if !on[p] {
			continue
		}
		span := float64(phaseWeights[p]) / float64(total) * 100
		t.offsets[p] = cum
		t.spans[p] = span
		cum += span
	}
	return t
}

// Update reports done-of-total units for a phase and returns the overall
// progress. Unknown (disabled) phases and zero totals leave progress unchanged.
func (t *progressTracker) Update(phase schemas.ScanPhase, done, total int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	span, ok := t.spans[phase]
	if ok && total > 0 {
		if done > total {
			done = total
		}
		candidate := int(math.Round(t.offsets[phase] + span*float64(done)/float64(total)))
		if candidate > t.value {
			t.value = candidate
		}
	}
	return t.value
}

// PhaseDone marks a phase fully complete.
func (t *progressTracker) PhaseDone(phase schemas.ScanPhase) int {
	return t.Update(phase, 1, 1)
}

// Value returns the current overall progress.
func (t *progressTracker) Value() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Complete forces 100, for a task whose every enabled phase has finished.
func (t *progressTracker) Complete() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = 100
	return t.value
}
