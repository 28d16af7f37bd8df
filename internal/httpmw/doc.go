// Package httpmw provides HTTP middleware for the content API server.
//
// Middleware is composed in httpserver.NewHandler, outermost first:
// security headers, CORS, panic recovery, request ID, client IP extraction,
// rate limiting, OTEL tracing, trace headers, metrics, request-scoped
// logging, then the chi router with access logging and a body size limit.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. Request bodies, query strings beyond url.query and
// user-agent are kept out of logs; the write body carries the admin password.
package httpmw
