package domain

import "errors"

// Error kinds produced by the orchestrator (spec.md §7). Call sites wrap
// these with fmt.Errorf("...: %w", ErrX) and compare with errors.Is.
var (
	// ErrValidation: input JSON malformed, unknown software, or a forbidden
	// template/test edit. Propagated as a 400; no run state change.
	ErrValidation = errors.New("validation error")

	// ErrExternalTransient: engine/git/storage/GitHub/pubsub returned a
	// recoverable failure (timeout, 5xx, rate limit). Appended to run_error;
	// does not transition state.
	ErrExternalTransient = errors.New("external transient error")

	// ErrExternalPermanent: engine reported a workflow-terminal failure.
	// Transitions the run to the matching *_failed terminal.
	ErrExternalPermanent = errors.New("external permanent error")

	// ErrBuildFailed: a software build workflow reached terminal failure.
	// Dependent runs transition to build_failed.
	ErrBuildFailed = errors.New("software build failed")

	// ErrCarrotInternal: an invariant was violated (missing required output,
	// unreachable state). Transitions the run to carrot_failed.
	ErrCarrotInternal = errors.New("internal invariant violation")

	// ErrAborted: an external abort request, or an orphaned run reconciled
	// to an aborted terminal.
	ErrAborted = errors.New("run aborted")

	// ErrUnknownSoftware is returned by the build coordinator when an
	// image_build: reference names a software row that does not exist.
	ErrUnknownSoftware = errors.New("unknown software")
)
