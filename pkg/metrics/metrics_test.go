package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.ObserveUpload("log", "success", 10, 0.1)
	m.SetBackoff(0.2)
	m.AddSegmentsRemoved(1)
}

func TestPromMetrics(t *testing.T) {
	m := NewProm("segmentoor")
	m.ObserveUpload("log", "success", 128, 0.5)
	m.ObserveUpload("bulk", "transfer_failed", 4096, 1.5)
	m.SetBackoff(0.4)
	m.AddSegmentsRemoved(2)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(families, "segmentoor_uploads_total",
		map[string]string{"priority": "log", "outcome": "success"}))
	assert.Equal(t, 1.0, counterValue(families, "segmentoor_uploads_total",
		map[string]string{"priority": "bulk", "outcome": "transfer_failed"}))
	assert.Equal(t, 128.0, counterValue(families, "segmentoor_uploaded_bytes_total",
		map[string]string{"priority": "log"}))
	assert.Equal(t, 0.0, counterValue(families, "segmentoor_uploaded_bytes_total",
		map[string]string{"priority": "bulk"}), "failed uploads add no bytes")
	assert.Equal(t, 2.0, counterValue(families, "segmentoor_segments_removed_total", nil))
}

func TestPromHandler(t *testing.T) {
	m := NewProm("segmentoor")
	m.SetBackoff(0.8)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "segmentoor_backoff_seconds 0.8"))
}

func counterValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}

		for _, metric := range fam.GetMetric() {
			if !labelsMatch(metric.GetLabel(), labels) {
				continue
			}

			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}

	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}

	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}

	return true
}
