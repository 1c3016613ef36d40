package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/metrics"
	"github.com/mamadbah2/chanway/internal/server/handlers"
	"github.com/mamadbah2/chanway/internal/service/webhooks"
)

func newEngine(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.InfoLevel)
	m := metrics.New()
	hooks := webhooks.NewService(config.WebhookConfig{}, nil, nil, nil, m, nil)
	engine := New(
		handlers.NewWebhookHandler(hooks, nil),
		handlers.NewInstanceHandler(nil, nil, nil, nil),
		nil,
		m.Handler(),
		zap.New(core),
	)
	return engine, logs
}

func TestHealthz(t *testing.T) {
	engine, logs := newEngine(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 || entries[0].ContextMap()["path"] != "/healthz" {
		t.Fatalf("request log = %+v", entries)
	}
}

func TestWebhookRoutesFailClosed(t *testing.T) {
	engine, _ := newEngine(t)

	for _, path := range []string{"/webhooks/whatsapp", "/webhooks/instagram", "/webhooks/telegram/i-1"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set(handlers.HeaderWebhookSecret, "anything")
		engine.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chanway_webhooks_received_total{outcome="unauthorized",provider="whatsapp"} 1`) {
		t.Fatalf("webhook counter missing from /metrics output")
	}
}
