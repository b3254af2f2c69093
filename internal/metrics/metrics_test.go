package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGinMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/api/v1/users/:id/presence", func(c *gin.Context) { c.Status(http.StatusOK) })

	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/users/:id/presence", "status": "200"}
	before := testutil.ToFloat64(HttpRequestsTotal.With(labels))
	for _, id := range []string{"1", "2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/"+id+"/presence", nil))
	}
	if got := testutil.ToFloat64(HttpRequestsTotal.With(labels)) - before; got != 2 {
		t.Errorf("requests counted = %v, want 2", got)
	}
}

func TestReasonCounters(t *testing.T) {
	before := testutil.ToFloat64(FramesDropped.WithLabelValues("malformed"))
	FramesDropped.WithLabelValues("malformed").Inc()
	if got := testutil.ToFloat64(FramesDropped.WithLabelValues("malformed")) - before; got != 1 {
		t.Errorf("FramesDropped delta = %v, want 1", got)
	}
}
