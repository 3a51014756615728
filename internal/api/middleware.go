/**
 * @description
 * This file contains HTTP middleware for the collection-service. The only auth
 * concern handled here is the internal bearer secret guarding the retry-sweep
 * trigger; admin callers are authenticated upstream.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// InternalAuthMiddleware guards internal endpoints with a shared bearer secret.
// The comparison is constant-time. An empty configured secret disables the
// endpoints entirely rather than leaving them open.
func InternalAuthMiddleware(secret string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				log.Printf("level=warn component=api msg=\"internal endpoint called with no secret configured\" path=%s", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			header := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
