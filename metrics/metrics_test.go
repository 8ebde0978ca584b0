package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreIsolated(t *testing.T) {
	a, b := New(), New()

	a.BlocksWritten.WithLabelValues("index_all").Add(3)
	a.Reorgs.WithLabelValues("live").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(a.BlocksWritten.WithLabelValues("index_all")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BlocksWritten.WithLabelValues("index_all")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Reorgs.WithLabelValues("live")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.LastBlock.WithLabelValues("index_live").Set(1234)
	m.BlocksFailed.WithLabelValues("fetch").Inc()

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	res, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `eth_indexer_last_written_block{run="index_live"} 1234`)
	assert.Contains(t, string(body), `eth_indexer_blocks_failed_total{stage="fetch"} 1`)
}
