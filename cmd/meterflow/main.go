// Command meterflow is the operator CLI for the usage billing pipeline.
//
// Usage:
//
//	meterflow migrate
//	meterflow seed customers --file customers.jsonl
//	meterflow seed pricing --file rates.csv
//	meterflow daily --date 2024-01-15
//	meterflow close-period --month 2024-01
//	meterflow reconcile
//	meterflow backfill --from 2024-01-01 --to 2024-03-31
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "meterflow",
		Usage:   "Usage metering, rating and invoicing pipeline",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "json",
				Usage:   "Report format (json, text)",
			},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			seedCommand(),
			runCommand(),
			dailyCommand(),
			closePeriodCommand(),
			reconcileCommand(),
			auditCommand(),
			backfillCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
