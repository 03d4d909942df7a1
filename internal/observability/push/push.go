// Package push ships the process metrics of short-lived CLI runs to a
// Prometheus Pushgateway or a remote_write endpoint when the run ends.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/meterflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterPushgateway  = "pushgateway"
	ExporterRemoteWrite  = "remote_write"
	defaultPushTimeout   = 5 * time.Second
	remoteWriteUserAgent = "meterflow-push/1"
)

var (
	ErrMissingEndpoint     = errors.New("metrics_push_endpoint_required")
	ErrUnsupportedExporter = errors.New("metrics_push_exporter_unsupported")
)

// Pusher sends one snapshot of gathered metrics.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

var Module = fx.Module("observability.push",
	fx.Provide(NewPusher),
	fx.Invoke(registerFlush),
)

// NewPusher returns nil when pushing is disabled or misconfigured; the
// reason is logged and the run proceeds.
func NewPusher(cfg config.Config, log *zap.Logger) Pusher {
	pusher, err := build(cfg)
	if err != nil {
		log.Warn("metrics push disabled", zap.Error(err))
		return nil
	}
	return pusher
}

func build(cfg config.Config) (Pusher, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.MetricsPush.Exporter))
	if exporter == "" {
		return nil, nil
	}
	endpoint := strings.TrimSpace(cfg.MetricsPush.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}

	switch exporter {
	case ExporterPushgateway:
		job := strings.TrimSpace(cfg.AppName)
		if job == "" {
			job = "meterflow"
		}
		return NewPushgatewayPusher(endpoint, job, map[string]string{
			"environment": strings.TrimSpace(cfg.Environment),
		}), nil
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("invalid metrics push endpoint: %w", err)
		}
		return NewRemoteWritePusher(endpoint, cfg.MetricsPush.AuthToken), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExporter, exporter)
	}
}

// registerFlush pushes the default registry once when the app stops.
func registerFlush(lc fx.Lifecycle, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
				log.Warn("metrics push failed", zap.Error(err))
			}
			return nil
		},
	})
}

// PushgatewayPusher replaces the job's metric group on a Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
	client   *http.Client
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{
		endpoint: strings.TrimRight(endpoint, "/"),
		job:      job,
		grouping: grouping,
		client:   &http.Client{Timeout: defaultPushTimeout},
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer).Client(p.client)
	keys := make([]string, 0, len(p.grouping))
	for k := range p.grouping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := strings.TrimSpace(p.grouping[k]); v != "" {
			pusher = pusher.Grouping(k, v)
		}
	}
	return pusher.PushContext(ctx)
}

// RemoteWritePusher posts counters and gauges as a snappy-compressed
// remote_write request.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	client    *http.Client
	now       func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: defaultPushTimeout},
		now:       time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	series := buildSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	req.Header.Set("User-Agent", remoteWriteUserAgent)
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// buildSeries flattens counters and gauges into remote_write series with
// sorted labels. Histograms and summaries are left to the pull endpoint.
func buildSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	series := make([]prompb.TimeSeries, 0, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var value float64
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				if metric.GetCounter() == nil {
					continue
				}
				value = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				if metric.GetGauge() == nil {
					continue
				}
				value = metric.GetGauge().GetValue()
			default:
				continue
			}

			labels := make([]prompb.Label, 0, len(metric.GetLabel())+1)
			labels = append(labels, prompb.Label{Name: "__name__", Value: family.GetName()})
			for _, label := range metric.GetLabel() {
				labels = append(labels, prompb.Label{Name: label.GetName(), Value: label.GetValue()})
			}
			sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

			series = append(series, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
			})
		}
	}
	return series
}
