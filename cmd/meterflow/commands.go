package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	customerservice "github.com/smallbiznis/meterflow/internal/customer/service"
	"github.com/smallbiznis/meterflow/internal/migration"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/meterflow/internal/pricing/service"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDate = errors.New("a date is required")

func runIDFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "run-id",
		Usage: "Run identifier; reuse a previous id to replay completed stages",
	}
}

func runID(c *cli.Context) string {
	if id := strings.TrimSpace(c.String("run-id")); id != "" {
		return id
	}
	return pipeline.NewRunID()
}

// =============================================================================
// MIGRATE
// =============================================================================

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the warehouse tables and views",
		Action: func(c *cli.Context) error {
			var (
				conn *gorm.DB
				log  *zap.Logger
			)
			return withApp(c.Context, infraModules, func() error {
				return migration.Run(c.Context, conn, log.Named("migration"))
			}, &conn, &log)
		},
	}
}

// =============================================================================
// SEED
// =============================================================================

func seedCommand() *cli.Command {
	fileFlag := &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Path to the snapshot file",
		Required: true,
	}
	return &cli.Command{
		Name:  "seed",
		Usage: "Load reference data snapshots",
		Subcommands: []*cli.Command{
			{
				Name:   "customers",
				Usage:  "Upsert a customer snapshot (JSON lines) into the customer dimension",
				Flags:  []cli.Flag{fileFlag},
				Action: seedCustomers,
			},
			{
				Name:   "pricing",
				Usage:  "Upsert a pricing snapshot (CSV) into the rate table",
				Flags:  []cli.Flag{fileFlag},
				Action: seedPricing,
			},
		},
	}
}

func seedCustomers(c *cli.Context) error {
	f, err := os.Open(c.String("file"))
	if err != nil {
		return err
	}
	defer f.Close()

	records, malformed, err := customerservice.LoadCustomersJSONL(f)
	if err != nil {
		return fmt.Errorf("read customers: %w", err)
	}

	var svc customerdomain.Service
	return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
		result, err := svc.UpsertCustomers(c.Context, records)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"read":      len(records),
			"malformed": malformed,
			"inserted":  result.Inserted,
			"versioned": result.Versioned,
			"unchanged": result.Unchanged,
			"skipped":   result.Skipped,
		})
	}, &svc)
}

func seedPricing(c *cli.Context) error {
	f, err := os.Open(c.String("file"))
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := pricingservice.LoadRatesCSV(f)
	if err != nil {
		return fmt.Errorf("read rates: %w", err)
	}

	var svc pricingdomain.Service
	return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
		result, err := svc.UpsertRates(c.Context, records)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"read":      len(records),
			"inserted":  result.Inserted,
			"updated":   result.Updated,
			"unchanged": result.Unchanged,
		})
	}, &svc)
}

// =============================================================================
// PIPELINE
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Invoke a single stage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "stage",
				Aliases:  []string{"s"},
				Usage:    "Stage name (merge, aggregate, rate, invoice, reconcile, audit)",
				Required: true,
			},
			&cli.StringFlag{Name: "date", Usage: "Partition date (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "month", Usage: "Billing month for the invoice stage (YYYY-MM)"},
			runIDFlag(),
		},
		Action: func(c *cli.Context) error {
			req := pipeline.Request{
				Stage: pipeline.Stage(strings.ToLower(strings.TrimSpace(c.String("stage")))),
				RunID: runID(c),
				DagID: pipeline.DagAdhoc,
			}
			if req.Stage == pipeline.StageInvoice {
				start, end, err := parseMonth(c.String("month"))
				if err != nil {
					return err
				}
				req.PeriodStart, req.PeriodEnd = start, end
			} else {
				date, err := parseDate(c.String("date"))
				if err != nil {
					return err
				}
				req.Date = date
			}
			if req.Stage == pipeline.StageAudit {
				req.Checks = auditdomain.Scope{Events: true, Invoices: true, Rates: true, Customers: true}
			}

			var runner *pipeline.Runner
			return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
				outcome, err := runner.Invoke(c.Context, req)
				report := pipeline.Report{RunID: req.RunID, DagID: req.DagID}
				report.Stages = append(report.Stages, pipeline.StageOutcome{Stage: req.Stage, Date: req.Date, Outcome: outcome})
				return finish(c, []pipeline.Report{report}, err)
			}, &runner)
		},
	}
}

func dailyCommand() *cli.Command {
	return &cli.Command{
		Name:  "daily",
		Usage: "Merge, aggregate, rate and audit one processing date (default yesterday)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "Processing date (YYYY-MM-DD)"},
			runIDFlag(),
		},
		Action: func(c *cli.Context) error {
			var (
				runner *pipeline.Runner
				clk    clock.Clock
			)
			return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
				date := dateutil.Day(clk.Now()).AddDate(0, 0, -1)
				if raw := strings.TrimSpace(c.String("date")); raw != "" {
					parsed, err := dateutil.Parse(raw)
					if err != nil {
						return err
					}
					date = parsed
				}
				report, err := runner.RunDaily(c.Context, runID(c), date)
				return finish(c, []pipeline.Report{report}, err)
			}, &runner, &clk)
		},
	}
}

func closePeriodCommand() *cli.Command {
	return &cli.Command{
		Name:  "close-period",
		Usage: "Issue invoices for a billing month (default the previous month)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "month", Usage: "Billing month (YYYY-MM)"},
			runIDFlag(),
		},
		Action: func(c *cli.Context) error {
			var (
				runner *pipeline.Runner
				clk    clock.Clock
			)
			return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
				start, end := dateutil.PreviousMonth(clk.Now())
				if raw := strings.TrimSpace(c.String("month")); raw != "" {
					var err error
					if start, end, err = parseMonth(raw); err != nil {
						return err
					}
				}
				report, err := runner.ClosePeriod(c.Context, runID(c), start, end)
				return finish(c, []pipeline.Report{report}, err)
			}, &runner, &clk)
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Post adjustments for late usage onto issued invoices",
		Flags: []cli.Flag{runIDFlag()},
		Action: func(c *cli.Context) error {
			var runner *pipeline.Runner
			return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
				report, err := runner.Reconcile(c.Context, runID(c))
				return finish(c, []pipeline.Report{report}, err)
			}, &runner)
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Run the integrity checks against the whole warehouse",
		Action: func(c *cli.Context) error {
			var svc auditdomain.Service
			return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
				results, err := svc.RunChecks(c.Context, auditdomain.Scope{
					Events:    true,
					Invoices:  true,
					Rates:     true,
					Customers: true,
				})
				if printErr := printJSON(checkViews(results)); printErr != nil {
					return printErr
				}
				return err
			}, &svc)
		},
	}
}

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Replay the daily pipeline over a date range and close complete months",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "First date (YYYY-MM-DD)", Required: true},
			&cli.StringFlag{Name: "to", Usage: "Last date (YYYY-MM-DD)", Required: true},
			&cli.DurationFlag{Name: "timeout", Usage: "Abort the backfill after this long", Value: 12 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			from, err := parseDate(c.String("from"))
			if err != nil {
				return err
			}
			to, err := parseDate(c.String("to"))
			if err != nil {
				return err
			}

			var runner *pipeline.Runner
			return withApp(c.Context, fx.Options(infraModules, domainModules), func() error {
				ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
				defer cancel()
				reports, err := runner.Backfill(ctx, from, to)
				return finish(c, reports, err)
			}, &runner)
		},
	}
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errMissingDate
	}
	return dateutil.Parse(raw)
}

func parseMonth(raw string) (time.Time, time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, time.Time{}, errors.New("a month is required")
	}
	t, err := time.ParseInLocation("2006-01", raw, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month %q: %w", raw, err)
	}
	start, end := dateutil.MonthBounds(t)
	return start, end, nil
}
