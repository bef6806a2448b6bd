//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusTooManyRequests, "slow down")

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "slow down" {
		t.Errorf("Expected error message, got %v", got)
	}
}

func serve(h *HealthHandler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterHealth(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	failing := PingFunc(func(context.Context) error { return errors.New("down") })
	w := serve(NewHealthHandler(map[string]Pinger{"store": failing}, 0), "/healthz")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected liveness to ignore dependencies, got %d", w.Code)
	}
	if body := w.Body.String(); body != "{\"status\":\"ok\"}\n" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestReadyz(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	failing := PingFunc(func(context.Context) error { return errors.New("down") })

	w := serve(NewHealthHandler(map[string]Pinger{"store": ok, "agent": ok}, 0), "/readyz")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = serve(NewHealthHandler(map[string]Pinger{"store": ok, "agent": failing}, 0), "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	var got struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Status != "degraded" || got.Checks["agent"] != "unreachable" || got.Checks["store"] != "ok" {
		t.Errorf("Unexpected readiness body %+v", got)
	}
}

func TestConfigHandler(t *testing.T) {
	w := httptest.NewRecorder()
	ConfigHandler(ClientConfig{AuthRequired: true, MaxTurns: 10, SSERetryMS: 15000})(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	var got ClientConfig
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !got.AuthRequired || got.MaxTurns != 10 || got.SSERetryMS != 15000 {
		t.Errorf("Unexpected config %+v", got)
	}
}
