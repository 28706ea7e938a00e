package app_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meridian-cmms/meridian-cmms/internal/app"
	"github.com/meridian-cmms/meridian-cmms/internal/observability"
	_ "github.com/meridian-cmms/meridian-cmms/internal/testing/guard"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	app.RefreshTestMode()
	cfg := &app.Config{AppEnv: "test", LogFormat: "text"}
	return app.NewRouter(app.RouterParams{
		Logger:  slog.Default(),
		Config:  cfg,
		Metrics: observability.NewMetrics(),
	})
}

func TestHealthzReportsOK(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q, want status ok payload", rec.Body.String())
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "meridian_low_stock_parts") {
		t.Fatalf("metrics exposition missing gauge: %q", rec.Body.String()[:min(200, len(rec.Body.String()))])
	}
}

func TestUnknownAPIRouteReturnsNotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
