package middleware

import "net/http"

// CORS applies the wildcard allow-all policy the cache endpoints serve with
// and short-circuits OPTIONS preflight requests.
//
// The cache is read-mostly public data; per-origin policies would add
// configuration without restricting anything worth restricting.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
