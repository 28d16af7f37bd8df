package httpmw

import "net/http"

type CORSOptions struct {
	// AllowOrigin pins Access-Control-Allow-Origin. Empty echoes the request
	// Origin, or "*" when there is none.
	AllowOrigin  string
	AllowHeaders string
	AllowMethods string
}

// CORS sets the cross-origin headers on every response, errors and preflight
// included. It does not answer OPTIONS itself; the router does.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	if opts.AllowHeaders == "" {
		opts.AllowHeaders = "content-type"
	}
	if opts.AllowMethods == "" {
		opts.AllowMethods = "GET,POST,OPTIONS"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case opts.AllowOrigin != "":
				h.Set("Access-Control-Allow-Origin", opts.AllowOrigin)
			case origin != "":
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			default:
				h.Set("Access-Control-Allow-Origin", "*")
			}
			h.Set("Access-Control-Allow-Headers", opts.AllowHeaders)
			h.Set("Access-Control-Allow-Methods", opts.AllowMethods)
			next.ServeHTTP(w, r)
		})
	}
}
