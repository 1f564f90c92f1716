package httpx

import (
	"crypto/subtle"
	"net/http"
)

// RequireAPIKey enforces the shared-secret X-API-Key header spec.md §4.6/§6.3
// requires on every admin route. The comparison is constant-time
// (crypto/subtle.ConstantTimeCompare, spec.md §9's hardened-variant
// requirement) so response timing cannot leak how much of the key
// matched. Any mismatch or missing header returns 401 and the wrapped
// handler never runs — satisfying the "auth totality" property of
// spec.md §8 (no write happens on a failed auth check).
func RequireAPIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" || expected == "" ||
				subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
