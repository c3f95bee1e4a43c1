package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/gowebpki/jcs"

	"github.com/specjet-api/specjet-sub000/pkg/issue"
	"github.com/specjet-api/specjet-sub000/pkg/results"
	"github.com/specjet-api/specjet-sub000/pkg/validation"
)

type contractInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

type gateOutcome struct {
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
}

type report struct {
	RunID      string               `json:"run_id"`
	Contract   contractInfo         `json:"contract"`
	BaseURL    string               `json:"base_url"`
	Results    []*validation.Result `json:"results"`
	Statistics *results.Statistics  `json:"statistics"`
	Gate       gateOutcome          `json:"gate"`
}

// writeJSON writes the report as RFC 8785 canonical JSON, so identical runs
// produce byte-identical output apart from timings and identifiers.
func writeJSON(w io.Writer, r *report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalize report: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", canonical)
	return err
}

var (
	passMark = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	dim      = color.New(color.Faint).SprintFunc()
	bold     = color.New(color.Bold).SprintFunc()
)

func writeConsole(w io.Writer, r *report) {
	_, _ = fmt.Fprintf(w, "%s %s %s against %s\n\n",
		bold("specjet"), r.Contract.Title, dim("v"+r.Contract.Version), r.BaseURL)

	for _, res := range r.Results {
		status := "---"
		if res.StatusCode != nil {
			status = fmt.Sprint(*res.StatusCode)
		}
		if res.Success {
			_, _ = fmt.Fprintf(w, "  %s %-7s %s %s %s\n", passMark("✓"), res.Method, res.Endpoint,
				dim(status), dim(fmt.Sprintf("%dms", res.Metadata.ResponseTimeMs)))
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s %-7s %s %s\n", failMark("✗"), res.Method, res.Endpoint, dim(status))
		for _, is := range res.Issues {
			_, _ = fmt.Fprintf(w, "      %s\n", issueLine(is))
		}
	}

	s := r.Statistics
	_, _ = fmt.Fprintf(w, "\n%d endpoints: %s, %s (%.1f%%)\n",
		s.Total, passMark(fmt.Sprintf("%d passed", s.Passed)), failMark(fmt.Sprintf("%d failed", s.Failed)), s.SuccessRate)
	if s.MaxResponseMs > 0 {
		_, _ = fmt.Fprintf(w, "response time: avg %.0fms, p50 %.0fms, p95 %.0fms, max %dms\n",
			s.AvgResponseMs, s.P50ResponseMs, s.P95ResponseMs, s.MaxResponseMs)
	}
	if len(s.IssuesByType) > 0 {
		types := make([]string, 0, len(s.IssuesByType))
		for t := range s.IssuesByType {
			types = append(types, t)
		}
		sort.Strings(types)
		_, _ = fmt.Fprint(w, "issues:")
		for _, t := range types {
			_, _ = fmt.Fprintf(w, " %s=%d", t, s.IssuesByType[t])
		}
		_, _ = fmt.Fprintln(w)
	}

	if r.Gate.Passed {
		_, _ = fmt.Fprintf(w, "gate %s: %s\n", passMark("passed"), r.Gate.Expression)
	} else {
		_, _ = fmt.Fprintf(w, "gate %s: %s\n", failMark("failed"), r.Gate.Expression)
	}
}

func issueLine(is issue.Issue) string {
	sev := string(is.Severity)
	switch is.Severity {
	case issue.SeverityError:
		sev = failMark(sev)
	case issue.SeverityWarning:
		sev = warnMark(sev)
	}
	if is.Field != "" {
		return fmt.Sprintf("[%s] %s %s: %s", sev, is.Type, is.Field, is.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", sev, is.Type, is.Message)
}

func printAttempt(w io.Writer, r *validation.Result) {
	mark := passMark("·")
	if !r.Success {
		mark = failMark("·")
	}
	_, _ = fmt.Fprintf(w, "%s %s %s %s\n", mark, r.Method, r.Endpoint, dim(fmt.Sprintf("%d %dms", r.Status(), r.Metadata.ResponseTimeMs)))
}
