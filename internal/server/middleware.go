package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"toolgate/internal/config"
)

type contextKey int

const ctxUserID contextKey = iota

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// Authenticator validates inbound credentials. API keys are held as
// SHA-256 hashes so a memory dump never exposes usable keys; basic-auth
// passwords are bcrypt hashes straight from configuration.
type Authenticator struct {
	apiKeys map[string]string // sha256(key) hex -> user ID
	users   []config.UserCredential
	logger  *slog.Logger
}

// NewAuthenticator builds an Authenticator from parsed configuration.
func NewAuthenticator(users []config.UserCredential, keys []config.APIKeyEntry, logger *slog.Logger) *Authenticator {
	hashed := make(map[string]string, len(keys))
	for _, k := range keys {
		hashed[hashKey(k.Key)] = k.UserID
	}

	return &Authenticator{apiKeys: hashed, users: users, logger: logger}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Middleware authenticates every request via a Bearer API key or HTTP
// basic auth and stores the resolved user ID on the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if userID, ok := a.authenticate(r); ok {
			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))

			return
		}

		a.logger.Debug("unauthenticated request",
			slog.String("ip", ip),
			slog.String("path", r.URL.Path))

		w.Header().Set("WWW-Authenticate", `Bearer realm="toolgate"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")

	if token, found := strings.CutPrefix(authHeader, "Bearer "); found {
		if !strings.HasPrefix(token, config.APIKeyPrefix) {
			return "", false
		}

		return a.lookupKey(token)
	}

	if username, password, ok := r.BasicAuth(); ok {
		return a.checkPassword(username, password)
	}

	return "", false
}

func (a *Authenticator) lookupKey(key string) (string, bool) {
	want := hashKey(key)

	// Compare against every stored hash so lookup time does not depend
	// on whether the key is known.
	userID, found := "", false

	for hash, user := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1 {
			userID, found = user, true
		}
	}

	return userID, found
}

func (a *Authenticator) checkPassword(username, password string) (string, bool) {
	for _, cred := range a.users {
		if cred.Username != username {
			continue
		}

		if bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(password)) == nil {
			return cred.Username, true
		}

		return "", false
	}

	// Burn a comparison for unknown users too, so response timing does
	// not reveal which usernames exist.
	_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))

	return "", false
}
