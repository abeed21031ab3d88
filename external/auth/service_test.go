package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"video-transformer/configs"
)

func TestVerifyCredentials(t *testing.T) {
	verifier := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("token")
		if err != nil || c.Value != "good" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer verifier.Close()

	repo := NewAuthRepository(&configs.ExternalAuthService{
		VerificationEndpoint: verifier.URL,
		CookieName:           "token",
		Timeout:              time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var reached int
	handler := repo.VerifyCredentials(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
	}))

	tests := []struct {
		name   string
		cookie *http.Cookie
		want   int
	}{
		{"valid token", &http.Cookie{Name: "token", Value: "good"}, http.StatusOK},
		{"rejected token", &http.Cookie{Name: "token", Value: "bad"}, http.StatusUnauthorized},
		{"no cookie", nil, http.StatusUnauthorized},
		{"other cookie", &http.Cookie{Name: "session", Value: "good"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/offer", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if reached != 1 {
		t.Errorf("next handler reached %d times, want 1", reached)
	}
}

func TestVerifyCredentialsUnavailable(t *testing.T) {
	verifier := httptest.NewServer(http.NotFoundHandler())
	url := verifier.URL
	verifier.Close()

	repo := NewAuthRepository(&configs.ExternalAuthService{
		VerificationEndpoint: url,
		CookieName:           "token",
		Timeout:              time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	handler := repo.VerifyCredentials(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("next handler reached")
	}))

	req := httptest.NewRequest(http.MethodPost, "/offer", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: "good"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}
