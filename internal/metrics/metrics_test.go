package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBlockCache(t *testing.T) {
	hits := testutil.ToFloat64(blockCacheTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(blockCacheTotal.WithLabelValues("miss"))

	RecordBlockCache(true)
	RecordBlockCache(true)
	RecordBlockCache(false)

	if got := testutil.ToFloat64(blockCacheTotal.WithLabelValues("hit")) - hits; got != 2 {
		t.Errorf("hit delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(blockCacheTotal.WithLabelValues("miss")) - misses; got != 1 {
		t.Errorf("miss delta = %v, want 1", got)
	}
}

func TestRecordRangeFetch(t *testing.T) {
	before := testutil.ToFloat64(bytesFetched)
	ok := testutil.ToFloat64(rangeFetchesTotal.WithLabelValues("block", "success"))
	failed := testutil.ToFloat64(rangeFetchesTotal.WithLabelValues("span", "error"))

	RecordRangeFetch("block", 1<<20, true)
	RecordRangeFetch("span", 20, false)

	if got := testutil.ToFloat64(bytesFetched) - before; got != 1<<20 {
		t.Errorf("bytes delta = %v, want %d", got, 1<<20)
	}
	if got := testutil.ToFloat64(rangeFetchesTotal.WithLabelValues("block", "success")) - ok; got != 1 {
		t.Errorf("block success delta = %v", got)
	}
	if got := testutil.ToFloat64(rangeFetchesTotal.WithLabelValues("span", "error")) - failed; got != 1 {
		t.Errorf("span error delta = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordRemoteRequest(http.MethodHead, http.StatusOK, 5*time.Millisecond)
	RecordProbe(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"indexfs_remote_requests_total",
		"indexfs_remote_request_duration_seconds",
		"indexfs_probes_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
