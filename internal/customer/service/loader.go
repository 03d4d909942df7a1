package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/smallbiznis/meterflow/internal/customer/domain"
)

// LoadCustomersJSONL decodes one customer snapshot per line.
func LoadCustomersJSONL(r io.Reader) ([]domain.CustomerRecord, int, error) {
	scanner := bufio.NewScanner(r)
	var (
		records   []domain.CustomerRecord
		malformed int
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec domain.CustomerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	return records, malformed, scanner.Err()
}
