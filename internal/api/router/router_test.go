package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
	"github.com/Parth354/HealBridge-sub002/internal/clock"
	"github.com/Parth354/HealBridge-sub002/internal/http/handlers"
	httpmiddleware "github.com/Parth354/HealBridge-sub002/internal/http/middleware"
	"github.com/Parth354/HealBridge-sub002/internal/observability/metrics"
	"github.com/Parth354/HealBridge-sub002/internal/slotlock"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

const (
	patientSecret = "patient-secret"
	staffSecret   = "staff-secret"
)

var slotStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()

	store := booking.NewMemoryStore()
	require.NoError(t, store.PublishSlots(t.Context(), []booking.Slot{{
		DoctorID: "doc-1", ClinicID: "clinic-1", Start: slotStart, End: slotStart.Add(30 * time.Minute),
	}}))
	reg := prometheus.NewRegistry()
	engine := booking.New(booking.Deps{
		Store:   store,
		Locker:  slotlock.NewMemoryLocker(),
		Clock:   clock.NewManual(slotStart.Add(-time.Hour)),
		Metrics: metrics.NewBookingMetrics(reg),
		Logger:  logging.Discard(),
	})

	cfg := &Config{
		Logger:          logging.Discard(),
		Booking:         handlers.NewBookingHandler(engine, logging.Discard(), handlers.WithGatherer(reg)),
		Authenticator:   httpmiddleware.NewJWTAuthenticator(patientSecret, ""),
		StaffAuthSecret: staffSecret,
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func sign(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func patientToken(t *testing.T, patientID string) string {
	return sign(t, patientSecret, jwt.RegisteredClaims{
		Subject:   patientID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
}

func staffToken(t *testing.T, role string) string {
	return sign(t, staffSecret, httpmiddleware.StaffClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func holdRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"doctor_id": "doc-1",
		"clinic_id": "clinic-1",
		"start_ts":  slotStart,
		"end_ts":    slotStart.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/holds", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestRouterReadiness(t *testing.T) {
	healthy := PingFunc(func(context.Context) error { return nil })
	broken := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"all healthy", map[string]Pinger{"postgres": healthy, "redis": healthy}, http.StatusOK},
		{"one failing", map[string]Pinger{"postgres": healthy, "redis": broken}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, func(cfg *Config) { cfg.Readiness = tt.checks })

			rec := serve(router, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.want, rec.Code)
			var resp struct {
				Checks map[string]string `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterPatientRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, nil)

	assert.Equal(t, http.StatusUnauthorized, serve(router, holdRequest(t, "")).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, holdRequest(t, "garbage")).Code)

	rec := serve(router, holdRequest(t, patientToken(t, "patient-x")))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(router, holdRequest(t, patientToken(t, "patient-y")))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRouterHoldRateLimit(t *testing.T) {
	router := newTestRouter(t, func(cfg *Config) {
		cfg.HoldLimiter = httpmiddleware.NewRateLimiter(0.0001, 1)
	})
	token := patientToken(t, "patient-x")

	assert.Equal(t, http.StatusCreated, serve(router, holdRequest(t, token)).Code)

	rec := serve(router, holdRequest(t, token))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A different patient has their own bucket.
	assert.Equal(t, http.StatusConflict, serve(router, holdRequest(t, patientToken(t, "patient-y"))).Code)
}

func TestRouterAdminRoutes(t *testing.T) {
	router := newTestRouter(t, nil)
	path := "/admin/doctors/doc-1/appointments?date=2026-03-02"

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"patient token", patientToken(t, "patient-x"), http.StatusUnauthorized},
		{"wrong role", staffToken(t, "receptionist"), http.StatusForbidden},
		{"doctor", staffToken(t, httpmiddleware.RoleDoctor), http.StatusOK},
		{"admin", staffToken(t, httpmiddleware.RoleAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			assert.Equal(t, tt.want, serve(router, req).Code)
		})
	}
}

func TestRouterWithoutBookingServesHealthOnly(t *testing.T) {
	router := New(&Config{})

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, holdRequest(t, "")).Code)
}
