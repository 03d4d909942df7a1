package service

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
)

const maxLineBytes = 1 << 20

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseBatch decodes newline-delimited JSON usage records. Blank lines are
// ignored; lines that are not JSON objects, or longer than maxLineBytes, are
// counted as malformed.
func ParseBatch(r io.Reader) ([]usagedomain.RawUsageRecord, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		records   []usagedomain.RawUsageRecord
		malformed int64
		buf       []byte
	)
	for {
		line, oversize, err := readLine(br, buf[:0])
		if err != nil && err != io.EOF {
			return nil, malformed, err
		}
		buf = line

		if oversize {
			malformed++
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			var rec usagedomain.RawUsageRecord
			if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
				malformed++
			} else {
				records = append(records, rec)
			}
		}
		if err == io.EOF {
			return records, malformed, nil
		}
	}
}

// readLine reads up to and including the next newline into buf. A line over
// maxLineBytes is consumed but not kept, and reported as oversize.
func readLine(br *bufio.Reader, buf []byte) ([]byte, bool, error) {
	oversize := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversize {
			if len(buf)+len(chunk) > maxLineBytes {
				oversize = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return buf, oversize, err
	}
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, usagedomain.ErrInvalidTimestamp
}

// normalizeRecord validates rec and converts it into a canonical event
// without load metadata.
func normalizeRecord(rec usagedomain.RawUsageRecord, defaultSource string) (usagedomain.UsageEvent, error) {
	eventID := strings.TrimSpace(rec.EventID)
	if eventID == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrMissingEventID
	}
	if strings.TrimSpace(rec.EventTimestamp) == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrMissingTimestamp
	}
	ts, err := parseTimestamp(rec.EventTimestamp)
	if err != nil {
		return usagedomain.UsageEvent{}, err
	}
	customerID := strings.TrimSpace(rec.CustomerID)
	if customerID == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrMissingCustomer
	}
	productID := strings.TrimSpace(rec.ProductID)
	if productID == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrMissingProduct
	}
	unit := strings.TrimSpace(rec.Unit)
	if unit == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrMissingUnit
	}
	if rec.Quantity == nil {
		return usagedomain.UsageEvent{}, usagedomain.ErrMissingQuantity
	}
	if rec.Quantity.IsNegative() {
		return usagedomain.UsageEvent{}, usagedomain.ErrNegativeQuantity
	}

	source := strings.TrimSpace(rec.Source)
	if source == "" {
		source = defaultSource
	}

	event := usagedomain.UsageEvent{
		EventID:        eventID,
		EventTimestamp: ts,
		EventDate:      dateutil.Day(ts),
		CustomerID:     customerID,
		ProductID:      productID,
		PlanID:         strings.TrimSpace(rec.PlanID),
		Region:         strings.TrimSpace(rec.Region),
		Unit:           unit,
		Quantity:       *rec.Quantity,
		Source:         source,
		SchemaVersion:  strings.TrimSpace(rec.SchemaVersion),
	}
	event.ContentHash = contentHash(event)
	return event, nil
}

// contentHash fingerprints the business attributes of an event. Load
// metadata is excluded so a replayed record hashes identically.
func contentHash(e usagedomain.UsageEvent) string {
	parts := []string{
		e.EventID,
		e.EventTimestamp.UTC().Format(time.RFC3339Nano),
		e.CustomerID,
		e.ProductID,
		e.PlanID,
		e.Region,
		e.Unit,
		e.Quantity.String(),
		e.Source,
		e.SchemaVersion,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
