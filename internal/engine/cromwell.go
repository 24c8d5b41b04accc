// Package engine implements the workflow-engine collaborator: a client for
// Cromwell's REST API (spec.md §4.4, §6). Submit/Status/Outputs/Abort are
// the only operations the run submitter and status manager need — CARROT
// never parses or validates WDL itself (spec.md §1 Non-goals).
package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rat-data/rat/platform/internal/domain"
)

// Engine dispatches WDL workflows to the remote workflow engine and reports
// back on their progress. One instance is shared across the run submitter
// and status manager.
type Engine interface {
	// Submit posts a workflow for execution and returns the engine's job id.
	Submit(ctx context.Context, req SubmitRequest) (jobID string, err error)
	// Status returns the engine's current status string for jobID.
	Status(ctx context.Context, jobID string) (CromwellStatus, error)
	// Outputs returns the workflow's output map, valid once Status reports Succeeded.
	Outputs(ctx context.Context, jobID string) (map[string]interface{}, error)
	// Abort requests cancellation of a running workflow.
	Abort(ctx context.Context, jobID string) error
}

// SubmitRequest carries the WDL source, its dependency zip members, and the
// resolved input/option JSON for one workflow submission.
type SubmitRequest struct {
	WDL          []byte
	Dependencies map[string][]byte // relative path -> content, zipped as workflowDependencies
	Inputs       []byte            // JSON
	Options      []byte            // JSON, may be nil
}

// CromwellStatus is one of Cromwell's own workflow status strings
// (https://cromwell.readthedocs.io/en/stable/api/RESTAPI/#workflowstatus).
type CromwellStatus string

const (
	CromwellSubmitted CromwellStatus = "Submitted"
	CromwellRunning    CromwellStatus = "Running"
	CromwellAborting   CromwellStatus = "Aborting"
	CromwellAborted    CromwellStatus = "Aborted"
	CromwellFailed     CromwellStatus = "Failed"
	CromwellSucceeded  CromwellStatus = "Succeeded"
	CromwellOnHold     CromwellStatus = "On Hold"
)

// CromwellClient implements Engine over HTTP with go-resty/resty/v2.
type CromwellClient struct {
	http *resty.Client
}

// NewCromwellClient creates a client pointed at baseURL (e.g.
// "http://localhost:8000"), with every call bounded by timeout (spec.md §5:
// "every external HTTP call ... carries the configured timeout").
func NewCromwellClient(baseURL string, timeout time.Duration) *CromwellClient {
	return &CromwellClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
	}
}

// statusResponse is Cromwell's /status and /submit response shape.
type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// errorResponse is Cromwell's error response shape.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Submit posts a multipart/form-data workflow submission to
// POST /api/workflows/v1.
func (c *CromwellClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	depsZip, err := zipDependencies(req.Dependencies)
	if err != nil {
		return "", fmt.Errorf("%w: zip workflow dependencies: %v", domain.ErrCarrotInternal, err)
	}

	r := c.http.R().
		SetContext(ctx).
		SetFileReader("workflowSource", "workflow.wdl", bytes.NewReader(req.WDL)).
		SetFileReader("workflowInputs", "inputs.json", bytes.NewReader(req.Inputs))
	if depsZip != nil {
		r = r.SetFileReader("workflowDependencies", "dependencies.zip", bytes.NewReader(depsZip))
	}
	if len(req.Options) > 0 {
		r = r.SetFileReader("workflowOptions", "options.json", bytes.NewReader(req.Options))
	}

	var out statusResponse
	var errOut errorResponse
	resp, err := r.SetResult(&out).SetError(&errOut).Post("/api/workflows/v1")
	if err != nil {
		return "", fmt.Errorf("%w: submit workflow: %v", domain.ErrExternalTransient, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return "", fmt.Errorf("%w: submit workflow: %s", domain.ErrExternalTransient, errOut.Message)
		}
		return "", fmt.Errorf("%w: submit workflow: %s", domain.ErrExternalPermanent, errOut.Message)
	}
	return out.ID, nil
}

// Status calls GET /api/workflows/v1/{id}/status.
func (c *CromwellClient) Status(ctx context.Context, jobID string) (CromwellStatus, error) {
	var out statusResponse
	var errOut errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetResult(&out).
		SetError(&errOut).
		Get("/api/workflows/v1/{id}/status")
	if err != nil {
		return "", fmt.Errorf("%w: get status: %v", domain.ErrExternalTransient, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return "", fmt.Errorf("%w: get status: %s", domain.ErrExternalTransient, errOut.Message)
		}
		return "", fmt.Errorf("%w: get status: %s", domain.ErrExternalPermanent, errOut.Message)
	}
	return CromwellStatus(out.Status), nil
}

// outputsResponse is Cromwell's /outputs response shape.
type outputsResponse struct {
	ID      string                 `json:"id"`
	Outputs map[string]interface{} `json:"outputs"`
}

// Outputs calls GET /api/workflows/v1/{id}/outputs.
func (c *CromwellClient) Outputs(ctx context.Context, jobID string) (map[string]interface{}, error) {
	var out outputsResponse
	var errOut errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetResult(&out).
		SetError(&errOut).
		Get("/api/workflows/v1/{id}/outputs")
	if err != nil {
		return nil, fmt.Errorf("%w: get outputs: %v", domain.ErrExternalTransient, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return nil, fmt.Errorf("%w: get outputs: %s", domain.ErrExternalTransient, errOut.Message)
		}
		return nil, fmt.Errorf("%w: get outputs: %s", domain.ErrExternalPermanent, errOut.Message)
	}
	return out.Outputs, nil
}

// Abort calls POST /api/workflows/v1/{id}/abort.
func (c *CromwellClient) Abort(ctx context.Context, jobID string) error {
	var errOut errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetError(&errOut).
		Post("/api/workflows/v1/{id}/abort")
	if err != nil {
		return fmt.Errorf("%w: abort workflow: %v", domain.ErrExternalTransient, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return fmt.Errorf("%w: abort workflow: %s", domain.ErrExternalTransient, errOut.Message)
		}
		return fmt.Errorf("%w: abort workflow: %s", domain.ErrExternalPermanent, errOut.Message)
	}
	return nil
}

// zipDependencies archives deps into a zip, or returns nil if deps is empty
// (Cromwell treats a missing workflowDependencies part as "no imports").
func zipDependencies(deps map[string][]byte) ([]byte, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range deps {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
