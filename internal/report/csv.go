// Package report materializes the CSV bundle a report_trigger uploads
// ahead of submitting the report-generation WDL (spec.md §4.6, §6). CARROT
// never interprets notebook or CSV contents — it only assembles and stores
// them, the same "opaque blob" posture storage.ObjectStore already takes
// with WDL bytes.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/storage"
)

// bundleFiles lists the six files named in spec.md §6, in upload order.
var bundleFiles = []string{
	"metadata.csv",
	"test_inputs.csv",
	"eval_inputs.csv",
	"test_options.csv",
	"eval_options.csv",
	"results.csv",
}

// RunData is everything csv.Bundle needs about one run to emit a bundle row.
// A single-run report has one RunData; a run_group report has two (head and
// base), joined across files by run_id the same way a single-run bundle is
// joined trivially (one row).
type RunData struct {
	Run     *domain.Run
	Results []domain.RunResult
}

// Bundle renders the six CSV files for runs and uploads each under
// prefix/<reportMapID>/<file>, returning the six object locations in
// bundleFiles order.
func Bundle(ctx context.Context, store storage.ObjectStore, prefix string, reportMapID string, runs []RunData) ([]string, error) {
	tables := [][][]string{
		metadataRows(runs),
		jsonColumnRows(runs, func(r RunData) []byte { return r.Run.TestInput }),
		jsonColumnRows(runs, func(r RunData) []byte { return r.Run.EvalInput }),
		jsonColumnRows(runs, func(r RunData) []byte { return r.Run.TestOptions }),
		jsonColumnRows(runs, func(r RunData) []byte { return r.Run.EvalOptions }),
		resultRows(runs),
	}

	locations := make([]string, len(bundleFiles))
	for i, name := range bundleFiles {
		body, err := encodeCSV(tables[i])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		key := fmt.Sprintf("%s/%s/%s", prefix, reportMapID, name)
		location, err := store.Put(ctx, key, body)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		locations[i] = location
	}
	return locations, nil
}

// encodeCSV writes rows (header first) with the stdlib csv writer.
func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func metadataRows(runs []RunData) [][]string {
	rows := [][]string{{"run_id", "name", "status", "created_by", "created_at", "finished_at"}}
	for _, d := range runs {
		finished := ""
		if d.Run.FinishedAt != nil {
			finished = d.Run.FinishedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		rows = append(rows, []string{
			d.Run.ID.String(), d.Run.Name, string(d.Run.Status), d.Run.CreatedBy,
			d.Run.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), finished,
		})
	}
	return rows
}

// jsonColumnRows flattens one top-level JSON object field per run into
// run_id plus one column per distinct key seen across all runs, so rows from
// different tests (whose inputs rarely share every key) still line up.
func jsonColumnRows(runs []RunData, field func(RunData) []byte) [][]string {
	var keys []string
	seen := map[string]bool{}
	decoded := make([]map[string]interface{}, len(runs))
	for i, d := range runs {
		m := map[string]interface{}{}
		if raw := field(d); len(raw) > 0 {
			_ = json.Unmarshal(raw, &m)
		}
		decoded[i] = m
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	header := append([]string{"run_id"}, keys...)
	rows := [][]string{header}
	for i, d := range runs {
		row := make([]string, len(header))
		row[0] = d.Run.ID.String()
		for j, k := range keys {
			if v, ok := decoded[i][k]; ok {
				row[j+1] = fmt.Sprintf("%v", v)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func resultRows(runs []RunData) [][]string {
	rows := [][]string{{"run_id", "result_id", "value"}}
	for _, d := range runs {
		for _, r := range d.Results {
			rows = append(rows, []string{d.Run.ID.String(), r.ResultID.String(), r.Value})
		}
	}
	return rows
}
