// Package source locates staged raw usage batches for a processing date.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoBatches = errors.New("no_batches_staged")

// Source lists and opens the JSON-lines objects staged for one date.
type Source interface {
	Kind() string
	List(ctx context.Context, date time.Time) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

var Module = fx.Module("usage.source",
	fx.Provide(New),
)

// New builds the source selected by RAW_SOURCE.
func New(cfg config.Config, log *zap.Logger) (Source, error) {
	switch cfg.Raw.Kind {
	case config.RawSourceS3:
		return NewS3Source(context.Background(), cfg.Raw, log)
	case config.RawSourceFile, "":
		return NewFileSource(cfg.Raw.Dir), nil
	default:
		return nil, fmt.Errorf("unsupported raw source %q", cfg.Raw.Kind)
	}
}

// partition renders the dt=YYYY-MM-DD directory used by the stager.
func partition(date time.Time) string {
	return "dt=" + dateutil.Format(date)
}
