package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/allowance-scanner/internal/queue"
	"github.com/allowance-scanner/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ queue.Reporter = (*PrometheusReporter)(nil)

// metricValue returns the counter or gauge value of the series matching labels
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestPrometheusReporter_RecordsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusReporter(reg)

	r.JobClaimed(types.JobTypeScanWallet)
	r.JobClaimed(types.JobTypeScanWallet)
	r.JobFinished(types.JobTypeScanWallet, types.JobStatusSucceeded, time.Second)
	r.JobFinished(types.JobTypeScanWallet, types.JobStatusPending, time.Second)
	r.ChainScanned(types.ChainEthereum, time.Second, nil)
	r.ChainScanned(types.ChainEthereum, time.Second, errors.New("boom"))
	r.PipelineStep("refresh_risk", time.Millisecond, nil)
	r.MonitorsEnqueued(3, 1)
	r.JobsReaped(2)
	r.QueueDepth(map[types.JobStatus]int64{types.JobStatusPending: 7})

	assert.Equal(t, 2.0, metricValue(t, reg, "allowance_scanner_jobs_claimed_total", map[string]string{"type": "scan_wallet"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "allowance_scanner_jobs_finished_total", map[string]string{"status": "succeeded"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "allowance_scanner_chain_scans_total", map[string]string{"chain": "ethereum", "outcome": "error"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "allowance_scanner_pipeline_steps_total", map[string]string{"step": "refresh_risk", "outcome": "ok"}))
	assert.Equal(t, 3.0, metricValue(t, reg, "allowance_scanner_monitor_enqueues_total", map[string]string{"result": "enqueued"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "allowance_scanner_jobs_reaped_total", nil))
	assert.Equal(t, 7.0, metricValue(t, reg, "allowance_scanner_jobs", map[string]string{"status": "pending"}))
	assert.Equal(t, 0.0, metricValue(t, reg, "allowance_scanner_jobs", map[string]string{"status": "failed"}))
}

func TestPrometheusReporter_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusReporter(prometheus.NewRegistry())
		NewPrometheusReporter(prometheus.NewRegistry())
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusReporter(reg).JobsReaped(1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "allowance_scanner_jobs_reaped_total 1")
}
