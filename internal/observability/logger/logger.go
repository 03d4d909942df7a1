package logger

import (
	"context"
	"fmt"
	"strings"

	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the process logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	// SampleFirst and SampleThereafter bound repeated entries per second.
	// A zero SampleFirst keeps every entry.
	SampleFirst      int
	SampleThereafter int

	IncludeCaller       bool
	IncludeStackOnError bool
}

// New builds the process logger, installs it as the zap global so
// FromContext works in code without an injected logger, and syncs on stop.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	zc, err := buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	var opts []zap.Option
	if !cfg.IncludeCaller {
		opts = append(opts, zap.WithCaller(false))
	}
	if cfg.IncludeStackOnError {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	log, err := zc.Build(opts...)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = log.Sync()
				return nil
			},
		})
	}
	return log, nil
}

func buildConfig(cfg Config) (zap.Config, error) {
	zc := zap.NewProductionConfig()
	if cfg.Debug {
		zc.Development = true
	}

	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}
	if err := zc.Level.UnmarshalText([]byte(level)); err != nil {
		return zap.Config{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		zc.Encoding = "console"
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zc.Sampling = nil
	if cfg.SampleFirst > 0 {
		zc.Sampling = &zap.SamplingConfig{
			Initial:    cfg.SampleFirst,
			Thereafter: max(cfg.SampleThereafter, 1),
		}
	}

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "meterflow"
	}
	zc.InitialFields = map[string]any{
		"service": service,
		"env":     strings.TrimSpace(cfg.Environment),
		"version": strings.TrimSpace(cfg.Version),
	}
	return zc, nil
}

// FromContext returns the global logger tagged with the run carried by ctx.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext tags base with the dag, run, stage and request ids on ctx and
// the active span, when present.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}

	var fields []zap.Field
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, zap.String(key, value))
		}
	}
	add("dag_id", obscontext.DagIDFromContext(ctx))
	add("run_id", obscontext.RunIDFromContext(ctx))
	add("stage", obscontext.StageFromContext(ctx))
	add("request_id", obscontext.RequestIDFromContext(ctx))

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		add("trace_id", sc.TraceID().String())
		add("span_id", sc.SpanID().String())
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
