package httpapi

import (
	"net/http"
	"strings"

	"famsave.org/internal/apperr"
	"famsave.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAuth admits requests carrying a valid access token and stores the
// account id in the request context. The raw token is not kept.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		accountID, err := a.session.Authenticate(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithAccount(r.Context(), accountID)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apperr.New(apperr.TokenInvalid, "missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", apperr.New(apperr.TokenInvalid, "invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", apperr.New(apperr.TokenInvalid, "missing bearer token")
	}
	return token, nil
}
