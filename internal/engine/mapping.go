package engine

import "github.com/rat-data/rat/platform/internal/domain"

// Candidates translates a Cromwell workflow status, observed for the named
// phase ("test" or "eval"), into the RunStatus candidates to feed
// domain.FurthestAdvanced (spec.md §4.1, §4.2). Cromwell's "Running" status
// covers two of CARROT's phase states (*_starting, *_running) since the
// plain /status endpoint carries no call-level granularity; every rank up
// to and including the observed one is offered as a candidate so
// FurthestAdvanced can pick whichever is legally reachable from the run's
// current recorded state. Returns nil for a Cromwell status this phase has
// no corresponding RunStatus for (On Hold never occurs for workflows CARROT
// submits itself).
func Candidates(phase string, cs CromwellStatus) []domain.RunStatus {
	switch phase {
	case "test":
		switch cs {
		case CromwellSubmitted:
			return []domain.RunStatus{domain.RunStatusTestQueuedInCromwell, domain.RunStatusTestWaitingForQueueSpace}
		case CromwellRunning:
			return []domain.RunStatus{domain.RunStatusTestQueuedInCromwell, domain.RunStatusTestStarting, domain.RunStatusTestRunning}
		case CromwellAborting:
			return []domain.RunStatus{domain.RunStatusTestAborting}
		case CromwellAborted:
			return []domain.RunStatus{domain.RunStatusTestAborted}
		case CromwellFailed:
			return []domain.RunStatus{domain.RunStatusTestFailed}
		case CromwellSucceeded:
			return []domain.RunStatus{domain.RunStatusEvalSubmitted}
		}
	case "eval":
		switch cs {
		case CromwellSubmitted:
			return []domain.RunStatus{domain.RunStatusEvalQueuedInCromwell, domain.RunStatusEvalWaitingForQueueSpace}
		case CromwellRunning:
			return []domain.RunStatus{domain.RunStatusEvalQueuedInCromwell, domain.RunStatusEvalStarting, domain.RunStatusEvalRunning}
		case CromwellAborting:
			return []domain.RunStatus{domain.RunStatusEvalAborting}
		case CromwellAborted:
			return []domain.RunStatus{domain.RunStatusEvalAborted}
		case CromwellFailed:
			return []domain.RunStatus{domain.RunStatusEvalFailed}
		case CromwellSucceeded:
			return []domain.RunStatus{domain.RunStatusSucceeded}
		}
	}
	return nil
}
