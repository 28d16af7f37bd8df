package httpmw

import (
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

type panicBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Recover turns a handler panic into a logged error and a JSON 500 in the
// same {error, details} shape the content handlers use. onPanic may be nil.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// client went away mid-response; let net/http handle it
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}

				ctx := r.Context()
				L := log.FromContextOr(ctx, logger).With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				L.Error(ctx, err, "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}

				body, _ := json.MarshalIndent(panicBody{Error: "Server error", Details: err.Error()}, "", "  ")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write(body)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
