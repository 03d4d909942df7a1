package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type UpsertResult struct {
	Inserted  int
	Versioned int
	Unchanged int
	Skipped   int
}

type Service interface {
	UpsertCustomers(ctx context.Context, records []CustomerRecord) (UpsertResult, error)
	FindCurrent(ctx context.Context, customerIDs []string) (map[string]CustomerDim, error)
	FindBySK(ctx context.Context, sk snowflake.ID) (*CustomerDim, error)
	FindBySKs(ctx context.Context, sks []snowflake.ID) (map[snowflake.ID]CustomerDim, error)
	CustomersWithMultipleCurrent(ctx context.Context) ([]string, error)
}

var (
	ErrInvalidCustomerID = errors.New("invalid_customer_id")
	ErrMultipleCurrent   = errors.New("multiple_current_customer")
)
