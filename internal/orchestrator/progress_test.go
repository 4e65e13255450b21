package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

func allPhases() []schemas.ScanPhase {
	return []schemas.ScanPhase{
		schemas.PhaseJSExtraction,
		schemas.PhaseAPIDiscovery,
		schemas.PhaseMicroserviceDetection,
		schemas.PhaseSecurityChecks,
		schemas.PhaseAIVerification,
	}
}

func TestProgressTracker_AllPhasesSpanFullRange(t *testing.T) {
	tr := newProgressTracker(allPhases())

	assert.Equal(t, 0, tr.Value())
	assert.Equal(t, 15, tr.Update(schemas.PhaseJSExtraction, 1, 2))
	assert.Equal(t, 30, tr.PhaseDone(schemas.PhaseJSExtraction))
	assert.Equal(t, 70, tr.PhaseDone(schemas.PhaseAPIDiscovery))
	assert.Equal(t, 80, tr.PhaseDone(schemas.PhaseMicroserviceDetection))
	assert.Equal(t, 95, tr.PhaseDone(schemas.PhaseSecurityChecks))
	assert.Equal(t, 100, tr.PhaseDone(schemas.PhaseAIVerification))
}

func TestProgressTracker_RenormalizesOverEnabledPhases(t *testing.T) {
	tr := newProgressTracker([]schemas.ScanPhase{
		schemas.PhaseJSExtraction,
		schemas.PhaseAPIDiscovery,
	})

	// 30 and 40 stretch to 30/70 and 40/70 of the full range.
	assert.Equal(t, 43, tr.PhaseDone(schemas.PhaseJSExtraction))
	assert.Equal(t, 100, tr.PhaseDone(schemas.PhaseAPIDiscovery))
}

func TestProgressTracker_IsMonotonic(t *testing.T) {
	tr := newProgressTracker(allPhases())

	assert.Equal(t, 30, tr.PhaseDone(schemas.PhaseJSExtraction))
	// A late or out-of-order report cannot move progress backwards.
	assert.Equal(t, 30, tr.Update(schemas.PhaseJSExtraction, 1, 10))
	assert.Equal(t, 30, tr.Update(schemas.PhaseJSExtraction, 0, 10))
}

func TestProgressTracker_IgnoresDisabledPhaseAndZeroTotal(t *testing.T) {
	tr := newProgressTracker([]schemas.ScanPhase{schemas.PhaseJSExtraction})

	assert.Equal(t, 0, tr.Update(schemas.PhaseAPIDiscovery, 1, 1))
	assert.Equal(t, 0, tr.Update(schemas.PhaseJSExtraction, 0, 0))
	assert.Equal(t, 100, tr.PhaseDone(schemas.PhaseJSExtraction))
}

func TestProgressTracker_DoneClampedToTotal(t *testing.T) {
	tr := newProgressTracker(allPhases())
	assert.Equal(t, 30, tr.Update(schemas.PhaseJSExtraction, 5, 2))
}

func TestProgressTracker_NoEnabledPhases(t *testing.T) {
	tr := newProgressTracker(nil)
	assert.Equal(t, 0, tr.Update(schemas.PhaseJSExtraction, 1, 1))
	assert.Equal(t, 100, tr.Complete())
}
