package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestID returns the request's correlation id, honouring an inbound
// X-Request-Id when present.
func RequestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

// EchoRequestID reflects the correlation id back in the response header so
// clients can quote it in support requests.
func EchoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := RequestID(r); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}
