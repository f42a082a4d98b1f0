package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/engine"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

const (
	finalReportFile = "final_report.md"
	resultsDir      = "results"
	slugMaxLen      = 50
)

// export writes the report and the tree snapshot under dir and returns the
// paths written. The report files are skipped when no report was produced.
func export(dir, topic string, res *engine.Result) ([]string, error) {
	slug := util.SanitizeFilename(topic, slugMaxLen)
	if err := os.MkdirAll(filepath.Join(dir, resultsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}

	files := map[string][]byte{}
	var order []string
	add := func(path string, data []byte) {
		files[path] = data
		order = append(order, path)
	}

	if res.Report != nil {
		doc := []byte(res.Report.Document)
		add(filepath.Join(dir, finalReportFile), doc)
		add(filepath.Join(dir, resultsDir, "report_"+slug+".md"), doc)
	}
	if res.Tree != nil {
		data, err := json.MarshalIndent(res.Tree, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal research tree: %w", err)
		}
		add(filepath.Join(dir, resultsDir, "research_tree_"+slug+".json"), data)
	}

	for _, path := range order {
		if err := os.WriteFile(path, files[path], 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	return order, nil
}

// printSummary prints the session outcome and per-depth progress.
func printSummary(w io.Writer, res *engine.Result) {
	fmt.Fprintf(w, "\nSession %s %s in %s\n", res.SessionID, res.Status, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Plan: %s\n", res.Plan)
	for _, s := range res.Digest.Stats {
		fmt.Fprintf(w, "  depth %d: %d/%d completed, %d failed, %d learnings, %d sources\n",
			s.Depth, s.Completed, s.Nodes, s.Failed, s.Learnings, s.Sources)
	}
	if len(res.Digest.Stats) > 1 {
		tot := res.Digest.Totals()
		fmt.Fprintf(w, "  total: %d/%d completed across %d levels, %d learnings, %d sources\n",
			tot.Completed, tot.Nodes, tot.Depth, tot.Learnings, tot.Sources)
	}
	if len(res.Digest.Failed) > 0 {
		fmt.Fprintf(w, "  %d branches did not complete\n", len(res.Digest.Failed))
	}
	if res.Report != nil {
		fmt.Fprintf(w, "Report: %d words, %d citations\n", res.Report.Words, len(res.Report.Citations))
	}
}
