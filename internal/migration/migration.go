// Package migration creates the warehouse tables and reporting views.
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	ratingdomain "github.com/smallbiznis/meterflow/internal/rating/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// View is a named read-only projection over the warehouse tables.
type View struct {
	Name  string
	Query string
}

// Views lists the reporting views in creation order.
var Views = []View{
	{
		Name: "v_invoice_summary",
		Query: `SELECT i.invoice_id, i.invoice_number, i.customer_id, c.customer_name,
	i.billing_period_start, i.billing_period_end, i.status, i.currency,
	i.subtotal, i.tax, i.total, i.issued_timestamp,
	(SELECT COUNT(*) FROM invoice_line_items l WHERE l.invoice_id = i.invoice_id) AS line_count,
	(SELECT COALESCE(SUM(l.amount), 0) FROM invoice_line_items l
		WHERE l.invoice_id = i.invoice_id AND l.line_type = 'adjustment') AS adjustment_total
FROM invoices i
LEFT JOIN customer_dim c ON c.customer_sk = i.customer_sk`,
	},
	{
		Name: "v_pipeline_status",
		Query: `SELECT a.dag_id, a.stage_id, a.run_id, a.execution_date, a.status, a.reason, a.created_timestamp
FROM pipeline_run_audit a
WHERE a.created_timestamp = (
	SELECT MAX(b.created_timestamp) FROM pipeline_run_audit b
	WHERE b.dag_id = a.dag_id AND b.stage_id = a.stage_id
)`,
	},
	{
		Name: "v_customer_usage_daily",
		Query: `SELECT f.date_id, f.customer_id, c.customer_name, c.plan_id, f.product_id, f.unit,
	f.total_quantity, f.billable_quantity, f.cost_amount, f.currency
FROM daily_cost_facts f
LEFT JOIN customer_dim c ON c.customer_sk = f.customer_sk`,
	},
}

// Models returns every table model in dependency order.
func Models() []any {
	return []any{
		&usagedomain.UsageEvent{},
		&customerdomain.CustomerDim{},
		&pricingdomain.PricingRate{},
		&aggregationdomain.DailyAggregate{},
		&ratingdomain.DailyCostFact{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&auditdomain.PipelineRunAudit{},
	}
}

// Run brings the schema up to date. Postgres uses the versioned SQL files;
// other dialects are migrated from the models.
func Run(ctx context.Context, conn *gorm.DB, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	dialect := conn.Dialector.Name()
	switch dialect {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
	default:
		if err := conn.WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	if err := CreateViews(ctx, conn); err != nil {
		return err
	}
	log.Info("schema migrated", zap.String("dialect", dialect), zap.Int("views", len(Views)))
	return nil
}

// CreateViews drops and recreates every reporting view.
func CreateViews(ctx context.Context, conn *gorm.DB) error {
	db := conn.WithContext(ctx)
	for _, v := range Views {
		if err := db.Exec("DROP VIEW IF EXISTS " + v.Name).Error; err != nil {
			return fmt.Errorf("drop view %s: %w", v.Name, err)
		}
		if err := db.Exec("CREATE VIEW " + v.Name + " AS " + v.Query).Error; err != nil {
			return fmt.Errorf("create view %s: %w", v.Name, err)
		}
	}
	return nil
}

// RunMigrations applies the embedded SQL files against a Postgres handle.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.
	return nil
}
