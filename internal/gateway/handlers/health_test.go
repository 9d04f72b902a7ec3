package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	InitStartTime()

	handler := HealthHandler("v1.0.0", map[string]HealthCheck{
		"storage": func() error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("status = %s, want ok", resp.Status)
	}
	if resp.Version != "v1.0.0" {
		t.Errorf("version = %s, want v1.0.0", resp.Version)
	}
	if resp.Uptime < 0 {
		t.Errorf("uptime = %d, want >= 0", resp.Uptime)
	}
	if resp.Checks["storage"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	handler := HealthHandler("v1.0.0", map[string]HealthCheck{
		"storage": func() error { return errors.New("database is locked") },
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["storage"] != "database is locked" {
		t.Errorf("resp = %+v", resp)
	}
}
