package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Routes registers the API on the router, e.g. contenthttp.API.RegisterRoutes.
	Routes func(chi.Router)

	// Optional public health endpoints at /-/healthy and /-/ready.
	Health    health.Probe
	Readiness health.Probe

	CORS         httpmw.CORSOptions
	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes caps request bodies; 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	UseRecoverMW bool
	OnPanic      func()
}
