package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func patientClaims(sub, issuer string, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
}

func TestJWTAuthenticator(t *testing.T) {
	auth := NewJWTAuthenticator("secret", "healbridge-auth")

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{"valid", signedToken(t, "secret", patientClaims("patient-x", "healbridge-auth", time.Minute)), "patient-x", false},
		{"wrong secret", signedToken(t, "other", patientClaims("patient-x", "healbridge-auth", time.Minute)), "", true},
		{"expired", signedToken(t, "secret", patientClaims("patient-x", "healbridge-auth", -time.Minute)), "", true},
		{"wrong issuer", signedToken(t, "secret", patientClaims("patient-x", "someone-else", time.Minute)), "", true},
		{"missing subject", signedToken(t, "secret", patientClaims("", "healbridge-auth", time.Minute)), "", true},
		{"missing expiry", signedToken(t, "secret", jwt.RegisteredClaims{Subject: "patient-x", Issuer: "healbridge-auth"}), "", true},
		{"garbage", "not-a-jwt", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.Authenticate(context.Background(), tt.token)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnauthenticated))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWTAuthenticatorWithoutSecretRejects(t *testing.T) {
	auth := NewJWTAuthenticator("", "")
	_, err := auth.Authenticate(context.Background(), signedToken(t, "x", patientClaims("p", "", time.Minute)))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPatientAuthMiddleware(t *testing.T) {
	mw := PatientAuth(NewJWTAuthenticator("secret", ""))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mw(okHandler(nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/holds", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/holds", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, "wrong", patientClaims("patient-x", "", time.Minute)))
		rec := httptest.NewRecorder()
		mw(okHandler(nil)).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/holds", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, "secret", patientClaims("patient-x", "", time.Minute)))
		rec := httptest.NewRecorder()

		var seen string
		mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = PatientIDFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "patient-x", seen)
	})
}

func TestPatientIDFromContextRejectsEmpty(t *testing.T) {
	_, ok := PatientIDFromContext(WithPatientID(context.Background(), ""))
	assert.False(t, ok)
	_, ok = PatientIDFromContext(context.Background())
	assert.False(t, ok)
}
