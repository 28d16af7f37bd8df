package httpmw

import "net/http"

// MaxBody caps request bodies at limit bytes. Nothing is rejected up front;
// the handler sees *http.MaxBytesError on read and answers 413 in its own
// error format.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
