// Package domain defines the core business types shared across carrotd.
// These types represent the platform's data model — not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. Having separate API response types for every domain model would
// add boilerplate without measurable benefit; where the API shape diverges
// (computed fields, omitted internal fields) a response struct is defined in
// the api package instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrImmutable indicates an edit was rejected because a non-failed run
// already depends on the value being changed (spec invariant 3).
var ErrImmutable = errors.New("field is immutable once a non-failed run exists")

// Pipeline is the top-level grouping entity. Name is globally unique.
type Pipeline struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Template is a reusable (test_wdl, eval_wdl) pair bound to a pipeline.
// Immutable once any non-failed run exists against one of its tests.
type Template struct {
	ID                  uuid.UUID `json:"id"`
	PipelineID          uuid.UUID `json:"pipeline_id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	TestWDL             string    `json:"test_wdl"`              // location string, resolvable by WDL storage
	TestWDLDependencies string    `json:"test_wdl_dependencies"`  // location string, zip of imports
	EvalWDL             string    `json:"eval_wdl"`
	EvalWDLDependencies string    `json:"eval_wdl_dependencies"`
	CreatedAt           time.Time `json:"created_at"`
}

// Test is a template plus default inputs/options. Inputs are frozen once any
// non-failed run exists.
type Test struct {
	ID          uuid.UUID       `json:"id"`
	TemplateID  uuid.UUID       `json:"template_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	TestInput   json.RawMessage `json:"test_input"`
	EvalInput   json.RawMessage `json:"eval_input"`
	TestOptions json.RawMessage `json:"test_options"`
	EvalOptions json.RawMessage `json:"eval_options"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ResultType classifies the kind of value a result captures.
type ResultType string

const (
	ResultTypeNumeric ResultType = "numeric"
	ResultTypeText    ResultType = "text"
	ResultTypeFile    ResultType = "file"
)

// ValidResultType reports whether s is a known result type.
func ValidResultType(s string) bool {
	switch ResultType(s) {
	case ResultTypeNumeric, ResultTypeText, ResultTypeFile:
		return true
	}
	return false
}

// Result is a typed declaration of a workflow output that should be captured.
type Result struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ResultType  ResultType `json:"result_type"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TemplateResult maps a (template, output_key) pair to a result.
// output_key is a workflow output name ("W.out") produced by the test or eval WDL.
type TemplateResult struct {
	ID         uuid.UUID `json:"id"`
	TemplateID uuid.UUID `json:"template_id"`
	ResultID   uuid.UUID `json:"result_id"`
	OutputKey  string    `json:"output_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Report is a notebook template (JSONB) plus runtime config (cpu/memory/disks/docker).
type Report struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Notebook    json.RawMessage `json:"notebook"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Section is a reusable report fragment.
type Section struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Contents  json.RawMessage `json:"contents"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReportSection orders a Section's inclusion within a Report.
type ReportSection struct {
	ID        uuid.UUID `json:"id"`
	ReportID  uuid.UUID `json:"report_id"`
	SectionID uuid.UUID `json:"section_id"`
	Position  int       `json:"position"`
}

// ReportTrigger controls when a report is generated for a template.
type ReportTrigger string

const (
	ReportTriggerSingle ReportTrigger = "single"
	ReportTriggerPR     ReportTrigger = "pr"
)

// ValidReportTrigger reports whether s is a known report trigger kind.
func ValidReportTrigger(s string) bool {
	switch ReportTrigger(s) {
	case ReportTriggerSingle, ReportTriggerPR:
		return true
	}
	return false
}

// TemplateReport maps (template, report, trigger) to an input_map describing
// how run/run_group data feeds the report notebook.
type TemplateReport struct {
	ID            uuid.UUID       `json:"id"`
	TemplateID    uuid.UUID       `json:"template_id"`
	ReportID      uuid.UUID       `json:"report_id"`
	ReportTrigger ReportTrigger   `json:"report_trigger"`
	InputMap      json.RawMessage `json:"input_map"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MachineType enumerates the build-machine shapes a software build can run on.
// Superset chosen per Open Question 2 (see DESIGN.md): two source migrations
// disagreed on the enum's value set; the superset of both is used here.
type MachineType string

const (
	MachineTypeN1HighCPU8   MachineType = "n1-highcpu-8"
	MachineTypeN1HighCPU32  MachineType = "n1-highcpu-32"
	MachineTypeE2HighCPU8   MachineType = "e2-highcpu-8"
	MachineTypeE2HighCPU32  MachineType = "e2-highcpu-32"
	MachineTypeStandard     MachineType = "standard"
)

// ValidMachineType reports whether s is a known machine type.
func ValidMachineType(s string) bool {
	switch MachineType(s) {
	case MachineTypeN1HighCPU8, MachineTypeN1HighCPU32, MachineTypeE2HighCPU8, MachineTypeE2HighCPU32, MachineTypeStandard:
		return true
	}
	return false
}

// Software is a git repository whose commits can be built into docker images.
type Software struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Repository  string      `json:"repository"` // clone URL
	MachineType MachineType `json:"machine_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SoftwareVersion is a resolved (software, commit) pair.
type SoftwareVersion struct {
	ID         uuid.UUID `json:"id"`
	SoftwareID uuid.UUID `json:"software_id"`
	Commit     string    `json:"commit"`
	CommitDate time.Time `json:"commit_date"`
	CreatedAt  time.Time `json:"created_at"`
}

// SoftwareVersionTag attaches a human tag name to a resolved SoftwareVersion.
type SoftwareVersionTag struct {
	ID                uuid.UUID `json:"id"`
	SoftwareVersionID uuid.UUID `json:"software_version_id"`
	Tag               string    `json:"tag"`
	CreatedAt         time.Time `json:"created_at"`
}

// BuildStatus is the lifecycle of a software_build.
type BuildStatus string

const (
	BuildStatusCreated   BuildStatus = "created"
	BuildStatusSubmitted BuildStatus = "submitted"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusAborted   BuildStatus = "aborted"
)

// Terminal reports whether the build status is a terminal state.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusAborted:
		return true
	}
	return false
}

// SoftwareBuild is one build attempt for a SoftwareVersion.
// Invariant 4: at most one non-terminal SoftwareBuild per SoftwareVersion.
type SoftwareBuild struct {
	ID                uuid.UUID   `json:"id"`
	SoftwareVersionID uuid.UUID   `json:"software_version_id"`
	CromwellJobID     *string     `json:"cromwell_job_id"`
	ImageURL          *string     `json:"image_url"`
	Status            BuildStatus `json:"build_status"`
	FinishedAt        *time.Time  `json:"finished_at"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Run is the atomic execution unit, driven by the state machine in runstate.go.
type Run struct {
	ID      uuid.UUID `json:"id"`
	TestID  uuid.UUID `json:"test_id"`
	Name    string    `json:"name"` // globally unique; generated if not user-supplied
	Status  RunStatus `json:"status"`
	Retries int       `json:"retries"` // consecutive transient-failure count against this run's current phase

	// Frozen verbatim at run creation time — spec invariant 5: later template
	// edits never alter a run's reproducibility.
	TestInput           json.RawMessage `json:"test_input"`
	TestOptions         json.RawMessage `json:"test_options"`
	EvalInput           json.RawMessage `json:"eval_input"`
	EvalOptions         json.RawMessage `json:"eval_options"`
	TestWDL             string          `json:"test_wdl"`
	TestWDLDependencies string          `json:"test_wdl_dependencies"`
	EvalWDL             string          `json:"eval_wdl"`
	EvalWDLDependencies string          `json:"eval_wdl_dependencies"`

	TestCromwellJobID *string    `json:"test_cromwell_job_id"`
	EvalCromwellJobID *string    `json:"eval_cromwell_job_id"`
	CreatedBy         string     `json:"created_by"`
	FinishedAt        *time.Time `json:"finished_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// RunSoftwareVersion records a software build dependency a run depends on.
type RunSoftwareVersion struct {
	ID                uuid.UUID `json:"id"`
	RunID             uuid.UUID `json:"run_id"`
	SoftwareVersionID uuid.UUID `json:"software_version_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// RunError is one append-only log entry for a run (non-fatal or terminal cause).
type RunError struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResult is a captured (run, result) value. File-typed results store a URI.
type RunResult struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	ResultID  uuid.UUID `json:"result_id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// RunGroupGithub holds PR-comparison provenance for a run_group.
type RunGroupGithub struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	IssueNumber   int    `json:"issue_number"`
	Author        string `json:"author"`
	BaseCommit    string `json:"base_commit"`
	HeadCommit    string `json:"head_commit"`
	CommentPosted bool   `json:"comment_posted"`
}

// RunGroup is a cohort of runs sharing provenance (GitHub PR or a stored query).
type RunGroup struct {
	ID          uuid.UUID       `json:"id"`
	FromGithub  *RunGroupGithub `json:"run_group_is_from_github,omitempty"`
	FromQuery   json.RawMessage `json:"run_group_is_from_query,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RunInGroup is the many-to-many membership row between runs and run_groups.
type RunInGroup struct {
	RunID      uuid.UUID `json:"run_id"`
	RunGroupID uuid.UUID `json:"run_group_id"`
}

// SubscriptionEntityType is the kind of entity a subscription is scoped to.
type SubscriptionEntityType string

const (
	SubscriptionEntityPipeline SubscriptionEntityType = "pipeline"
	SubscriptionEntityTemplate SubscriptionEntityType = "template"
	SubscriptionEntityTest     SubscriptionEntityType = "test"
)

// ValidSubscriptionEntityType reports whether s is a known subscription scope.
func ValidSubscriptionEntityType(s string) bool {
	switch SubscriptionEntityType(s) {
	case SubscriptionEntityPipeline, SubscriptionEntityTemplate, SubscriptionEntityTest:
		return true
	}
	return false
}

// Subscription is an (entity_type, entity_id, email) notification registration.
type Subscription struct {
	ID         uuid.UUID              `json:"id"`
	EntityType SubscriptionEntityType `json:"entity_type"`
	EntityID   uuid.UUID              `json:"entity_id"`
	Email      string                 `json:"email"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ReportableType is the kind of entity a report_map row was generated for.
type ReportableType string

const (
	ReportableRun      ReportableType = "run"
	ReportableRunGroup ReportableType = "run_group"
)

// ReportMapStatus is the lifecycle of a generated report.
type ReportMapStatus string

const (
	ReportMapStatusSubmitted ReportMapStatus = "submitted"
	ReportMapStatusRunning   ReportMapStatus = "running"
	ReportMapStatusSucceeded ReportMapStatus = "succeeded"
	ReportMapStatusFailed    ReportMapStatus = "failed"
)

// ReportMap tracks one generated report against a reportable entity.
type ReportMap struct {
	ID             uuid.UUID       `json:"id"`
	ReportID       uuid.UUID       `json:"report_id"`
	Reportable     ReportableType  `json:"reportable"`
	ReportableID   uuid.UUID       `json:"reportable_id"`
	Status         ReportMapStatus `json:"status"`
	CromwellJobID  *string         `json:"cromwell_job_id"`
	Results        json.RawMessage `json:"results"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at"`
}

// WDLHash records the content hash last observed at a WDL storage location,
// backing the round-trip testable property (spec.md §8 property 7).
type WDLHash struct {
	Location  string    `json:"location"`
	Hash      string    `json:"hash"`
	CachedAt  time.Time `json:"cached_at"`
}
