package api

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the API key when no Authorization header is sent
const APIKeyHeader = "X-API-Key"

// APIKeyMiddleware checks the request's API key against a bcrypt hash. An
// empty hash turns the check off.
func APIKeyMiddleware(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKeyFromRequest(r)
			if key == "" {
				WriteUnauthorizedError(w)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
				WriteError(w, http.StatusUnauthorized, ErrCodeAuthentication, "Invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyFromRequest reads a bearer token, the X-API-Key header, or the
// api_key query parameter (EventSource cannot set headers).
func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// HashAPIKey returns the bcrypt hash to put in GOCALL_API_KEY_HASH
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// GenerateAPIKey creates a random URL-safe key of the given length
func GenerateAPIKey(length int) (string, error) {
	// base64 turns 3 bytes into 4 characters
	randomBytes := make([]byte, (length*3/4)+1)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("crypto/rand.Read failed: %w", err)
	}

	key := base64.RawURLEncoding.EncodeToString(randomBytes)
	if len(key) > length {
		key = key[:length]
	}
	return key, nil
}
