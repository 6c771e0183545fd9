package httpapi

import "net/http"

// corsMiddleware emits a permissive Access-Control-Allow-Origin only when
// debug is true, per §4.8 ("CORS is emitted only in debug builds").
func corsMiddleware(debug bool, next http.Handler) http.Handler {
	if !debug {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Identity, X-Signature")
		next.ServeHTTP(w, r)
	})
}

// optionsMiddleware answers every OPTIONS request with a bare 204, per the
// router's `OPTIONS *` handling in §4.8.
func optionsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
