package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"github.com/urfave/cli/v2"
)

type stageView struct {
	Stage    string         `json:"stage"`
	Date     string         `json:"date"`
	Status   string         `json:"status"`
	Reason   string         `json:"reason,omitempty"`
	Replayed bool           `json:"replayed,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

type reportView struct {
	RunID  string      `json:"run_id"`
	DagID  string      `json:"dag_id"`
	Stages []stageView `json:"stages"`
}

type checkView struct {
	Check  string         `json:"check"`
	Passed bool           `json:"passed"`
	Fatal  bool           `json:"fatal"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

func reportViews(reports []pipeline.Report) []reportView {
	out := make([]reportView, 0, len(reports))
	for _, r := range reports {
		view := reportView{RunID: r.RunID, DagID: r.DagID, Stages: make([]stageView, 0, len(r.Stages))}
		for _, s := range r.Stages {
			view.Stages = append(view.Stages, stageView{
				Stage:    string(s.Stage),
				Date:     dateutil.Format(s.Date),
				Status:   string(s.Outcome.Status),
				Reason:   s.Outcome.Reason,
				Replayed: s.Outcome.Replayed,
				Detail:   s.Outcome.Detail,
			})
		}
		out = append(out, view)
	}
	return out
}

func checkViews(results []auditdomain.CheckResult) []checkView {
	out := make([]checkView, 0, len(results))
	for _, r := range results {
		out = append(out, checkView{Check: r.Check, Passed: r.Passed, Fatal: r.Fatal, Reason: r.Reason, Detail: r.Detail})
	}
	return out
}

// finish prints the reports and returns runErr annotated with its class.
func finish(c *cli.Context, reports []pipeline.Report, runErr error) error {
	views := reportViews(reports)
	var printErr error
	if c.String("output") == "text" {
		printErr = printText(views)
	} else {
		printErr = printJSON(views)
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w", pipeline.Classify(runErr), runErr)
	}
	return printErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printText(views []reportView) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTAGE\tDATE\tSTATUS\tREASON\tREPLAYED")
	for _, r := range views {
		for _, s := range r.Stages {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", r.RunID, s.Stage, s.Date, s.Status, s.Reason, s.Replayed)
		}
	}
	return w.Flush()
}
