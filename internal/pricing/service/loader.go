package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/pricing/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
)

var rateColumns = []string{"rate_id", "product_id", "plan_id", "unit", "unit_price", "currency", "effective_from", "effective_to"}

// LoadRatesCSV reads the pricing catalog. The header row must name the
// catalog columns; order is free. An empty effective_to is open-ended.
func LoadRatesCSV(r io.Reader) ([]domain.RateRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range rateColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var records []domain.RateRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(col string) string { return strings.TrimSpace(row[index[col]]) }

		price, err := decimal.NewFromString(field("unit_price"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, domain.ErrInvalidUnitPrice)
		}
		from, err := dateutil.Parse(field("effective_from"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, domain.ErrInvalidEffectiveFrom)
		}
		rec := domain.RateRecord{
			RateID:        field("rate_id"),
			ProductID:     field("product_id"),
			PlanID:        field("plan_id"),
			Unit:          field("unit"),
			UnitPrice:     price,
			Currency:      field("currency"),
			EffectiveFrom: from,
		}
		if v := field("effective_to"); v != "" {
			to, err := dateutil.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, domain.ErrInvalidWindow)
			}
			rec.EffectiveTo = &to
		}
		records = append(records, rec)
	}
	return records, nil
}
