package signal

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyVerifier gates joins on a shared key. An empty Expected disables it.
// Browsers cannot set headers on a WebSocket, so the key may also travel in
// the apiKey query parameter.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) bool {
	if v.Expected == "" {
		return true
	}
	if apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) == 1
}

func (v APIKeyVerifier) Authorized(r *http.Request) bool {
	key := r.URL.Query().Get("apiKey")
	if key == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			key = strings.TrimPrefix(h, "Bearer ")
		}
	}
	return v.Verify(key)
}
