package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"video-transformer/configs"
)

type Authentificatior interface {
	VerifyCredentials(next http.Handler) http.Handler
}

// AuthRepository checks the caller's token cookie against an external
// verification endpoint before letting the request through.
type AuthRepository struct {
	configs *configs.ExternalAuthService
	client  *http.Client
	logger  *slog.Logger
}

func NewAuthRepository(authConfig *configs.ExternalAuthService, logger *slog.Logger) *AuthRepository {
	return &AuthRepository{
		configs: authConfig,
		client:  &http.Client{Timeout: authConfig.Timeout},
		logger:  logger,
	}
}

func (mr *AuthRepository) VerifyCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := r.Cookie(mr.configs.CookieName)
		if err != nil {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		ok, err := mr.verify(r.Context(), token)
		if err != nil {
			mr.logger.Error("token verification failed", "endpoint", mr.configs.VerificationEndpoint, "err", err)
			http.Error(w, "credential verification unavailable", http.StatusBadGateway)
			return
		}
		if !ok {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (mr *AuthRepository) verify(ctx context.Context, token *http.Cookie) (bool, error) {
	verifyRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, mr.configs.VerificationEndpoint, nil)
	if err != nil {
		return false, err
	}
	verifyRequest.AddCookie(token)
	verifyRequest.Header.Set("Content-Type", "application/json")

	verifyResponse, err := mr.client.Do(verifyRequest)
	if err != nil {
		return false, err
	}
	defer verifyResponse.Body.Close()
	io.Copy(io.Discard, verifyResponse.Body)

	return verifyResponse.StatusCode == http.StatusOK, nil
}
