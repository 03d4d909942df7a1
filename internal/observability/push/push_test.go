package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_pipeline_stage_runs_total",
		Help: "Stage runs.",
	}, []string{"stage", "status"})
	runs.WithLabelValues("merge", "success").Add(3)

	lag := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meterflow_backfill_days_remaining",
		Help: "Days left.",
	})
	lag.Set(7)

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "meterflow_pipeline_stage_duration_seconds",
		Help: "Stage duration.",
	})
	duration.Observe(1.5)

	reg.MustRegister(runs, lag, duration)
	return reg
}

func TestBuildSeriesKeepsCountersAndGauges(t *testing.T) {
	families, err := newRegistry(t).Gather()
	require.NoError(t, err)

	series := buildSeries(families, 1700000000000)
	require.Len(t, series, 2)

	byName := map[string]prompb.TimeSeries{}
	for _, s := range series {
		byName[s.Labels[0].Value] = s
		for i := 1; i < len(s.Labels); i++ {
			assert.Less(t, s.Labels[i-1].Name, s.Labels[i].Name)
		}
	}

	runs, ok := byName["meterflow_pipeline_stage_runs_total"]
	require.True(t, ok)
	assert.Equal(t, 3.0, runs.Samples[0].Value)
	assert.Equal(t, int64(1700000000000), runs.Samples[0].Timestamp)
	require.Len(t, runs.Labels, 3)
	assert.Equal(t, "stage", runs.Labels[1].Name)
	assert.Equal(t, "merge", runs.Labels[1].Value)
}

func TestRemoteWritePusherPostsSnappyProtobuf(t *testing.T) {
	var got prompb.WriteRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, got.Unmarshal(decoded))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	pusher.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.NoError(t, pusher.Push(context.Background(), newRegistry(t)))
	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Len(t, got.Timeseries, 2)
}

func TestRemoteWritePusherReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), newRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushgatewayPusherUsesJobAndGrouping(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pusher := NewPushgatewayPusher(srv.URL+"/", "meterflow", map[string]string{"environment": "staging", "empty": " "})
	require.NoError(t, pusher.Push(context.Background(), newRegistry(t)))
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/meterflow/environment/staging", path)
}

func TestNewPusherSelection(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, log))
	assert.Nil(t, NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "pushgateway"}}, log))
	assert.Nil(t, NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "statsd", Endpoint: "x"}}, log))

	_, err := build(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "statsd", Endpoint: "x"}})
	assert.ErrorIs(t, err, ErrUnsupportedExporter)

	p := NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "remote_write", Endpoint: "http://prom:9090/api/v1/write"}}, log)
	assert.IsType(t, &RemoteWritePusher{}, p)
	p = NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "PUSHGATEWAY", Endpoint: "http://pgw:9091"}}, log)
	assert.IsType(t, &PushgatewayPusher{}, p)
}
