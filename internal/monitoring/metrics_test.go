package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHistory("commit")
		m.RecordFetch("hit")
		m.RecordSync("canvas", "ok", time.Millisecond, 2)
		m.SetCanvasesOpen(1)
		m.RecordSave("autosave", "ok")
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordHistory("commit")
	m.RecordHistory("commit")
	m.RecordSync("store", "ok", time.Millisecond, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HistoryEvents.WithLabelValues("commit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SyncInsertions))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.SetCanvasesOpen(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "builder_canvases_open 2"))
}
