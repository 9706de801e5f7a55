package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func statusRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/{run_id}", func(w http.ResponseWriter, r *http.Request) {
				if chi.URLParam(r, "run_id") == "missing" {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
		})
	})
	return r
}

func routeObservations(t *testing.T, route string) uint64 {
	t.Helper()
	m, ok := httpRequestDurationSeconds.WithLabelValues(http.MethodGet, route).(prometheus.Metric)
	require.True(t, ok)
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return out.GetHistogram().GetSampleCount()
}

func TestMiddlewareLabelsStatusRoutesByPattern(t *testing.T) {
	Init()
	router := statusRouter()

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	missingBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	runsBefore := routeObservations(t, "/v1/runs/{run_id}")
	healthBefore := routeObservations(t, "/healthz")
	unknownBefore := routeObservations(t, "unknown")

	for _, path := range []string{
		"/v1/runs/0192f0c4-7d2e-7a51-9b1e-2f4c7c1e8a10",
		"/v1/runs/missing",
		"/healthz",
		"/metrics/nope",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, runsBefore+2, routeObservations(t, "/v1/runs/{run_id}"))
	require.Equal(t, healthBefore+1, routeObservations(t, "/healthz"))
	require.Equal(t, unknownBefore+1, routeObservations(t, "unknown"))
	require.InDelta(t, okBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), 0)
	require.InDelta(t, missingBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 0)
}

func TestMiddlewareKeepsDefaultStatus(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/sources", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sources":[]}`))
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(1), routeObservations(t, "/v1/sources"))
	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), before+1)
}
