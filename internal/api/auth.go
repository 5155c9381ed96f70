package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoAuthHeader = errors.New("missing Authorization header")
	errNotBearer    = errors.New("authorization scheme must be Bearer")
	errEmptyBearer  = errors.New("empty bearer token")
	errWrongAPIKey  = errors.New("invalid API key")
)

// bearerKey pulls the token out of "Authorization: Bearer <key>".
func bearerKey(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errNoAuthHeader
	}
	key, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", errNotBearer
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", errEmptyBearer
	}
	return key, nil
}

// keyMatches compares in constant time. An unset configured key never
// matches.
func keyMatches(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := bearerKey(r)
		if err == nil && !keyMatches(key, s.config.APIKey) {
			err = errWrongAPIKey
		}
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
