package reporttrigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
)

// Poller periodically reconciles every non-terminal report_map against the
// workflow engine — report_maps is a separate table from runs and
// software_builds, so it needs its own sweep alongside statusmanager's
// (spec.md §4.6: "report jobs are themselves runs-on-the-engine").
type Poller struct {
	reportMaps ReportMapStore
	engine     engine.Engine

	sweepInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a Poller. sweepInterval defaults to 300s when given as
// zero, matching statusmanager's default sweep cadence.
func NewPoller(reportMaps ReportMapStore, eng engine.Engine, sweepInterval time.Duration) *Poller {
	if sweepInterval <= 0 {
		sweepInterval = 300 * time.Second
	}
	return &Poller{reportMaps: reportMaps, engine: eng, sweepInterval: sweepInterval}
}

// Start begins the background sweep goroutine.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for the in-flight sweep to
// reach its next safe point.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

// Sweep reconciles every submitted/running report_map against the engine. A
// single row's failure is logged and does not abort the sweep.
func (p *Poller) Sweep(ctx context.Context) {
	reportMaps, err := p.reportMaps.ListNonTerminal(ctx)
	if err != nil {
		slog.Error("reporttrigger: failed to list non-terminal report_maps", "error", err)
		return
	}
	for _, rm := range reportMaps {
		if ctx.Err() != nil {
			return
		}
		p.safeReconcile(ctx, rm)
	}
}

func (p *Poller) safeReconcile(ctx context.Context, rm domain.ReportMap) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reporttrigger: task panicked", "task", "reconcileReportMap", "panic", rec)
		}
	}()

	if rm.CromwellJobID == nil {
		return
	}
	status, err := p.engine.Status(ctx, *rm.CromwellJobID)
	if err != nil {
		slog.Error("reporttrigger: failed to query engine status", "report_map_id", rm.ID, "error", err)
		return
	}

	switch status {
	case engine.CromwellSucceeded:
		outputs, err := p.engine.Outputs(ctx, *rm.CromwellJobID)
		if err != nil {
			slog.Error("reporttrigger: failed to fetch report outputs", "report_map_id", rm.ID, "error", err)
			return
		}
		results, err := json.Marshal(outputs)
		if err != nil {
			slog.Error("reporttrigger: failed to marshal report outputs", "report_map_id", rm.ID, "error", err)
			return
		}
		if err := p.reportMaps.UpdateStatus(ctx, rm.ID, domain.ReportMapStatusSucceeded, results); err != nil {
			slog.Error("reporttrigger: failed to record report_map success", "report_map_id", rm.ID, "error", err)
		}
	case engine.CromwellFailed, engine.CromwellAborted:
		if err := p.reportMaps.UpdateStatus(ctx, rm.ID, domain.ReportMapStatusFailed, nil); err != nil {
			slog.Error("reporttrigger: failed to record report_map failure", "report_map_id", rm.ID, "error", err)
		}
	case engine.CromwellRunning, engine.CromwellSubmitted, engine.CromwellAborting, engine.CromwellOnHold:
		if rm.Status != domain.ReportMapStatusRunning && status == engine.CromwellRunning {
			if err := p.reportMaps.UpdateStatus(ctx, rm.ID, domain.ReportMapStatusRunning, nil); err != nil {
				slog.Error("reporttrigger: failed to mark report_map running", "report_map_id", rm.ID, "error", err)
			}
		}
	}
}
