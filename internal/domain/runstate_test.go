package domain_test

import (
	"testing"

	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition_SubmittedToTerminalFailure_DirectlyLegal(t *testing.T) {
	// A Cromwell status poll can report Failed/Aborted before the run has
	// ever been observed as queued or starting — the submitted state must
	// reach the phase's terminal directly, not only through intermediates.
	assert.True(t, domain.CanTransition(domain.RunStatusTestSubmitted, domain.RunStatusTestFailed))
	assert.True(t, domain.CanTransition(domain.RunStatusTestSubmitted, domain.RunStatusTestAborted))
	assert.True(t, domain.CanTransition(domain.RunStatusEvalSubmitted, domain.RunStatusEvalFailed))
	assert.True(t, domain.CanTransition(domain.RunStatusEvalSubmitted, domain.RunStatusEvalAborted))
}

func TestFurthestAdvanced_SubmittedWithOnlyTerminalCandidate_ReturnsTerminal(t *testing.T) {
	next := domain.FurthestAdvanced(domain.RunStatusTestSubmitted, []domain.RunStatus{domain.RunStatusTestFailed})
	assert.Equal(t, domain.RunStatusTestFailed, next)

	next = domain.FurthestAdvanced(domain.RunStatusEvalSubmitted, []domain.RunStatus{domain.RunStatusEvalAborted})
	assert.Equal(t, domain.RunStatusEvalAborted, next)
}

func TestCanTransition_TerminalPrior_NeverLegal(t *testing.T) {
	assert.False(t, domain.CanTransition(domain.RunStatusTestFailed, domain.RunStatusTestAborted))
	assert.False(t, domain.CanTransition(domain.RunStatusSucceeded, domain.RunStatusCarrotFailed))
}

func TestCanTransition_CarrotFailedLegalFromAnyNonTerminalPrior(t *testing.T) {
	assert.True(t, domain.CanTransition(domain.RunStatusCreated, domain.RunStatusCarrotFailed))
	assert.True(t, domain.CanTransition(domain.RunStatusTestSubmitted, domain.RunStatusCarrotFailed))
	assert.True(t, domain.CanTransition(domain.RunStatusEvalRunning, domain.RunStatusCarrotFailed))
}

func TestAdvance_RewindWithinPhase_Rejected(t *testing.T) {
	_, err := domain.Advance(domain.RunStatusTestRunning, domain.RunStatusTestQueuedInCromwell)
	assert.Error(t, err)
}
