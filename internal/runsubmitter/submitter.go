// Package runsubmitter composes a run's concrete workflow inputs, writes the
// WDL into object storage, and submits the test and eval phases to the
// engine (spec.md §4.4). It is idempotent on the cromwell_job_id columns: a
// call against a run that already carries a job id for the current phase
// only reconciles, it never resubmits.
package runsubmitter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/buildcoordinator"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
	"github.com/rat-data/rat/platform/internal/storage"
)

// RunStore is the run read/write surface the submitter needs — satisfied by
// *postgres.RunStore.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	SetCromwellJobID(ctx context.Context, runID uuid.UUID, isEval bool, jobID string) error
}

// Transitioner is the state-transition surface — satisfied by
// *postgres.RunTransitioner.
type Transitioner interface {
	Transition(ctx context.Context, runID uuid.UUID, prior, next domain.RunStatus, errMsg string) error
}

// ResultRecorder captures template_result output values — satisfied by
// *postgres.RunResultStore.
type ResultRecorder interface {
	RecordResult(ctx context.Context, runID, resultID uuid.UUID, value string) error
}

// TemplateResultLister returns a template's output_key -> result mappings —
// satisfied by *postgres.TemplateResultStore.
type TemplateResultLister interface {
	ListByTemplate(ctx context.Context, templateID uuid.UUID) ([]domain.TemplateResult, error)
}

// WDLHashStore records the content hash last written to a WDL storage
// location — satisfied by *postgres.WDLHashStore.
type WDLHashStore interface {
	Upsert(ctx context.Context, location, hash string) error
}

// ImageResolver resolves an already-coordinated image_build reference to its
// built image URL, returning buildcoordinator.ErrBuildNotReady if the build
// hasn't succeeded yet — the caller should leave the run in `building` and
// retry later.
type ImageResolver interface {
	ResolveImage(ctx context.Context, ref buildcoordinator.ImageBuildRef) (imageURL string, err error)
}

// Submitter composes and submits run phases to the workflow engine.
type Submitter struct {
	runs           RunStore
	transitions    Transitioner
	results        ResultRecorder
	templateResults TemplateResultLister
	wdlHashes      WDLHashStore
	store          storage.ObjectStore
	engine         engine.Engine
	images         ImageResolver
}

// New creates a Submitter.
func New(
	runs RunStore,
	transitions Transitioner,
	results ResultRecorder,
	templateResults TemplateResultLister,
	wdlHashes WDLHashStore,
	store storage.ObjectStore,
	eng engine.Engine,
	images ImageResolver,
) *Submitter {
	return &Submitter{
		runs:            runs,
		transitions:     transitions,
		results:         results,
		templateResults: templateResults,
		wdlHashes:       wdlHashes,
		store:           store,
		engine:          eng,
		images:          images,
	}
}

// SubmitTest composes and submits the test phase of run, given the template
// the run's test belongs to (test_wdl/test_wdl_dependencies locations live
// on the template). A run that already carries a test_cromwell_job_id is
// left untouched — this call only reconciles in that case.
func (s *Submitter) SubmitTest(ctx context.Context, run *domain.Run) error {
	if run.TestCromwellJobID != nil {
		return nil
	}

	input, err := substituteImageRefs(ctx, run.TestInput, s.images)
	if err != nil {
		return fmt.Errorf("resolve test input refs: %w", err)
	}
	options, err := substituteImageRefs(ctx, run.TestOptions, s.images)
	if err != nil {
		return fmt.Errorf("resolve test option refs: %w", err)
	}

	wdl, err := s.store.Get(ctx, run.TestWDL)
	if err != nil {
		return fmt.Errorf("read test wdl: %w", err)
	}
	deps, err := s.readDependencies(ctx, run.TestWDLDependencies)
	if err != nil {
		return fmt.Errorf("read test wdl dependencies: %w", err)
	}

	jobID, err := s.engine.Submit(ctx, engine.SubmitRequest{WDL: wdl, Dependencies: deps, Inputs: input, Options: options})
	if err != nil {
		return fmt.Errorf("submit test phase: %w", err)
	}

	if err := s.runs.SetCromwellJobID(ctx, run.ID, false, jobID); err != nil {
		return fmt.Errorf("record test job id: %w", err)
	}

	prior := run.Status
	if prior != domain.RunStatusCreated && prior != domain.RunStatusBuilding {
		return fmt.Errorf("%w: cannot submit test phase from state %s", domain.ErrCarrotInternal, prior)
	}
	return s.transitions.Transition(ctx, run.ID, prior, domain.RunStatusTestSubmitted, "")
}

// HandleTestSuccess pulls test-phase outputs, records any template_results
// they satisfy, resolves test_output: references in the run's eval input,
// and submits the eval phase (spec.md §4.4: "Pull outputs ... resolve
// test_output: references ... submit eval phase"). A run that already
// carries an eval_cromwell_job_id is not resubmitted; only its transition to
// eval_submitted is applied.
func (s *Submitter) HandleTestSuccess(ctx context.Context, run *domain.Run, templateID uuid.UUID) error {
	if run.TestCromwellJobID == nil {
		return fmt.Errorf("%w: test phase has no cromwell job id", domain.ErrCarrotInternal)
	}
	if run.EvalCromwellJobID != nil {
		return s.transitions.Transition(ctx, run.ID, run.Status, domain.RunStatusEvalSubmitted, "")
	}

	outputs, err := s.engine.Outputs(ctx, *run.TestCromwellJobID)
	if err != nil {
		return fmt.Errorf("pull test outputs: %w", err)
	}

	if err := s.recordResults(ctx, run.ID, templateID, outputs); err != nil {
		return err
	}

	evalInput, err := resolveTestOutputRefs(run.EvalInput, outputs)
	if err != nil {
		return fmt.Errorf("resolve test_output refs in eval input: %w", err)
	}
	evalOptions, err := substituteImageRefs(ctx, run.EvalOptions, s.images)
	if err != nil {
		return fmt.Errorf("resolve eval option refs: %w", err)
	}

	wdl, err := s.store.Get(ctx, run.EvalWDL)
	if err != nil {
		return fmt.Errorf("read eval wdl: %w", err)
	}
	deps, err := s.readDependencies(ctx, run.EvalWDLDependencies)
	if err != nil {
		return fmt.Errorf("read eval wdl dependencies: %w", err)
	}

	jobID, err := s.engine.Submit(ctx, engine.SubmitRequest{WDL: wdl, Dependencies: deps, Inputs: evalInput, Options: evalOptions})
	if err != nil {
		return fmt.Errorf("submit eval phase: %w", err)
	}

	if err := s.runs.SetCromwellJobID(ctx, run.ID, true, jobID); err != nil {
		return fmt.Errorf("record eval job id: %w", err)
	}

	return s.transitions.Transition(ctx, run.ID, run.Status, domain.RunStatusEvalSubmitted, "")
}

// HandleEvalSuccess pulls eval-phase outputs, records any template_results
// not already satisfied by test outputs, and marks the run succeeded.
func (s *Submitter) HandleEvalSuccess(ctx context.Context, run *domain.Run, templateID uuid.UUID) error {
	if run.EvalCromwellJobID == nil {
		return fmt.Errorf("%w: eval phase has no cromwell job id", domain.ErrCarrotInternal)
	}
	outputs, err := s.engine.Outputs(ctx, *run.EvalCromwellJobID)
	if err != nil {
		return fmt.Errorf("pull eval outputs: %w", err)
	}
	if err := s.recordResults(ctx, run.ID, templateID, outputs); err != nil {
		return err
	}
	return s.transitions.Transition(ctx, run.ID, run.Status, domain.RunStatusSucceeded, "")
}

// recordResults writes every template_result whose output_key is present in
// outputs. Called once against test outputs and again against eval outputs —
// "test first" priority (spec.md §4.4) falls out naturally since
// HandleTestSuccess runs, and records, before HandleEvalSuccess ever does.
func (s *Submitter) recordResults(ctx context.Context, runID, templateID uuid.UUID, outputs map[string]interface{}) error {
	mappings, err := s.templateResults.ListByTemplate(ctx, templateID)
	if err != nil {
		return fmt.Errorf("list template_results: %w", err)
	}
	for _, m := range mappings {
		value, ok := outputs[m.OutputKey]
		if !ok {
			continue
		}
		if err := s.results.RecordResult(ctx, runID, m.ResultID, fmt.Sprintf("%v", value)); err != nil {
			return fmt.Errorf("record result for output_key %s: %w", m.OutputKey, err)
		}
	}
	return nil
}

// readDependencies loads a WDL dependency zip from storage, returning an
// empty map when location is empty (dependency-free workflows are common).
func (s *Submitter) readDependencies(ctx context.Context, location string) (map[string][]byte, error) {
	if location == "" {
		return nil, nil
	}
	zipped, err := s.store.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	return map[string][]byte{"dependencies.zip": zipped}, nil
}

// WriteWDL content-addresses wdl under key, writing it only if not already
// present, and records its hash — used when publishing a new template or
// test version, ahead of any run ever referencing the returned location
// (spec.md §4.4: "addressed by content hash, recorded in wdl_hash").
func (s *Submitter) WriteWDL(ctx context.Context, wdl []byte) (location string, err error) {
	sum := sha256.Sum256(wdl)
	hash := hex.EncodeToString(sum[:])

	exists, err := s.store.Exists(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("check wdl existence: %w", err)
	}
	if exists {
		location = s.store.LocationFor(hash)
	} else {
		location, err = s.store.Put(ctx, hash, wdl)
		if err != nil {
			return "", fmt.Errorf("write wdl: %w", err)
		}
	}
	if err := s.wdlHashes.Upsert(ctx, location, hash); err != nil {
		return "", fmt.Errorf("record wdl hash: %w", err)
	}
	return location, nil
}

// substituteImageRefs walks raw (a JSON object/array/scalar), resolving
// every image_build: reference to its built image URL. Non-ImageBuildRef
// leaves pass through unchanged. Returns raw verbatim if it decodes to a
// bare scalar with no refs to resolve.
func substituteImageRefs(ctx context.Context, raw json.RawMessage, images ImageResolver) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	substituted, err := substituteWalk(ctx, decoded, images)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(substituted)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return out, nil
}

func substituteWalk(ctx context.Context, v interface{}, images ImageResolver) (interface{}, error) {
	switch vv := v.(type) {
	case string:
		ref, err := buildcoordinator.ParseRef(vv)
		if err != nil {
			return nil, err
		}
		imgRef, ok := ref.(buildcoordinator.ImageBuildRef)
		if !ok {
			return vv, nil
		}
		url, err := images.ResolveImage(ctx, imgRef)
		if err != nil {
			return nil, err
		}
		return url, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, child := range vv {
			substituted, err := substituteWalk(ctx, child, images)
			if err != nil {
				return nil, err
			}
			out[k] = substituted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, child := range vv {
			substituted, err := substituteWalk(ctx, child, images)
			if err != nil {
				return nil, err
			}
			out[i] = substituted
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveTestOutputRefs substitutes test_output: references in raw with the
// corresponding value from a completed test phase's outputs.
func resolveTestOutputRefs(raw json.RawMessage, testOutputs map[string]interface{}) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	substituted, err := walkTestOutputRefs(decoded, testOutputs)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(substituted)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return out, nil
}

func walkTestOutputRefs(v interface{}, testOutputs map[string]interface{}) (interface{}, error) {
	switch vv := v.(type) {
	case string:
		ref, err := buildcoordinator.ParseRef(vv)
		if err != nil {
			return nil, err
		}
		outRef, ok := ref.(buildcoordinator.TestOutputRef)
		if !ok {
			return vv, nil
		}
		key := outRef.Workflow + "." + outRef.Output
		value, found := testOutputs[key]
		if !found {
			return nil, fmt.Errorf("%w: test_output reference %s.%s not present in test outputs", domain.ErrValidation, outRef.Workflow, outRef.Output)
		}
		return value, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, child := range vv {
			substituted, err := walkTestOutputRefs(child, testOutputs)
			if err != nil {
				return nil, err
			}
			out[k] = substituted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, child := range vv {
			substituted, err := walkTestOutputRefs(child, testOutputs)
			if err != nil {
				return nil, err
			}
			out[i] = substituted
		}
		return out, nil
	default:
		return v, nil
	}
}
