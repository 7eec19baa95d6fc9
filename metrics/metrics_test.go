package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
)

func TestRouterServesRecordedMeasures(t *testing.T) {
	r, err := Router("connector_test")
	require.NoError(t, err)

	Record(context.Background(), []tag.Mutator{tag.Upsert(StoreName, "memory")}, LeaseAcquired.M(3))
	stats.Record(context.Background(), ConnectorInfo.M(1))

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/livez")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/debug/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close() //nolint:errcheck
		b, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(b), "connector_test_lease_acquired")
	}, 5*time.Second, 100*time.Millisecond)
}
