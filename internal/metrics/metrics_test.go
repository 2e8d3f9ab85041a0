package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CommitApplied("memory", "ok", 2*time.Millisecond)
	m.CommitApplied("memory", "conflict", time.Millisecond)
	m.BlocksWritten("memory", 3)
	m.CarBlock(10)
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitsApplied.WithLabelValues("memory", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.blocksWritten.WithLabelValues("memory")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.carBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheMisses))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "atrepo_storage_commits_applied_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.CommitApplied("memory", "ok", time.Second)
	m.BlocksWritten("memory", 1)
	m.CarBlock(1)
	m.ImportFailed("hash")
	m.CacheHit()
	m.CacheMiss()
}
