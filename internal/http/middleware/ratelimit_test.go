package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("patient:x"))
	assert.True(t, rl.Allow("patient:x"))
	assert.False(t, rl.Allow("patient:x"))
	assert.True(t, rl.Allow("patient:y"), "buckets are per caller")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("patient:x"))
	assert.False(t, rl.Allow("patient:x"))
}

func TestRateLimiterEvict(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	now = now.Add(time.Hour)
	rl.Allow("b")

	assert.Equal(t, 1, rl.Evict(now.Add(-time.Minute)))
}

func TestRateLimitKeysOnPatient(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	mw := RateLimit(rl)

	send := func(patientID string) int {
		req := httptest.NewRequest(http.MethodPost, "/holds", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if patientID != "" {
			req = req.WithContext(WithPatientID(req.Context(), patientID))
		}
		rec := httptest.NewRecorder()
		mw(okHandler(nil)).ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("patient-x"))
	assert.Equal(t, http.StatusTooManyRequests, send("patient-x"))
	assert.Equal(t, http.StatusOK, send("patient-y"))
	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
}
