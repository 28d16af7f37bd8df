// Package contenthttp exposes the content gateway over HTTP: GET reads the
// document, POST replaces it, OPTIONS answers preflight. CORS headers are
// added by httpmw.CORS around this handler, not here.
package contenthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-cms/internal/content"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store"
)

// Gateway is the part of *content.Gateway the handlers use.
type Gateway interface {
	Read(ctx context.Context) (content.Document, error)
	Replace(ctx context.Context, req content.ReplaceRequest) (content.ReplaceResult, error)
	Authorize(password string) error
}

type Options struct {
	// Route is the path the document is served on; defaults to "/".
	Route  string
	Logger log.Logger
}

type API struct {
	gw     Gateway
	route  string
	logger log.Logger
}

func NewAPI(gw Gateway, opts Options) *API {
	if opts.Route == "" {
		opts.Route = "/"
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{gw: gw, route: opts.Route, logger: opts.Logger}
}

// RegisterRoutes attaches the document endpoints plus JSON 404/405 handlers.
func (api *API) RegisterRoutes(r chi.Router) {
	scoped := r.With(httpmw.Scope("content"))
	scoped.Get(api.route, api.HandleGet)
	scoped.Post(api.route, api.HandlePost)
	scoped.Options(api.route, api.HandleOptions)
	// preflight answers 204 on every path, including unrouted ones
	r.MethodNotAllowed(preflightOr(api.HandleMethodNotAllowed))
	r.NotFound(preflightOr(api.HandleNotFound))
}

func preflightOr(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// ReadResponse is the GET body. SHA is null until the document exists.
type ReadResponse struct {
	Content json.RawMessage `json:"content"`
	SHA     *string         `json:"sha"`
}

// WriteRequest is the POST body. Fields stay raw so a wrong type can be
// reported as the right error instead of a generic decode failure.
type WriteRequest struct {
	Password json.RawMessage `json:"password"`
	Content  json.RawMessage `json:"content"`
	SHA      json.RawMessage `json:"sha,omitempty"`
}

var errInvalidBody = errors.New("body is not a single JSON value")

// decodeWriteRequest reads the whole body. Keys match exactly, so "PASSWORD"
// or "Password" are ignored rather than folded onto password the way struct
// decoding would. A JSON value that is not an object yields no fields and
// fails authorization like a missing password.
func decodeWriteRequest(body io.Reader) (WriteRequest, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return WriteRequest{}, err
	}
	if !json.Valid(raw) {
		return WriteRequest{}, errInvalidBody
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return WriteRequest{}, nil
	}
	return WriteRequest{
		Password: fields["password"],
		Content:  fields["content"],
		SHA:      fields["sha"],
	}, nil
}

type WriteResponse struct {
	OK     bool    `json:"ok"`
	Commit *string `json:"commit"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	doc, err := api.gw.Read(ctx)
	if err != nil {
		api.writeError(ctx, w, "GitHub GET failed", err)
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, ReadResponse{
		Content: doc.Content,
		SHA:     nullable(doc.SHA),
	})
}

func (api *API) HandlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContextOr(ctx, api.logger)

	body, err := decodeWriteRequest(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Request body too large"})
			return
		}
		L.Debug(ctx, "rejected undecodable write body", "error", err)
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON body"})
		return
	}

	var password string
	if err := json.Unmarshal(body.Password, &password); err != nil {
		// missing, null or not a string; fails Authorize like a wrong one
		password = ""
	}

	var sha string
	if len(body.SHA) > 0 && string(body.SHA) != "null" {
		if err := json.Unmarshal(body.SHA, &sha); err != nil {
			// auth first so an unauthenticated caller learns nothing about body shape
			if aerr := api.gw.Authorize(password); aerr != nil {
				api.writeError(ctx, w, "GitHub PUT failed", aerr)
				return
			}
			api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "Invalid sha"})
			return
		}
	}

	res, err := api.gw.Replace(ctx, content.ReplaceRequest{
		Password: password,
		Content:  body.Content,
		SHA:      sha,
	})
	if err != nil {
		api.writeError(ctx, w, "GitHub PUT failed", err)
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, WriteResponse{OK: true, Commit: nullable(res.Commit)})
}

// HandleOptions answers CORS preflight; the headers come from httpmw.CORS.
func (api *API) HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed"})
}

func (api *API) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusNotFound, ErrorResponse{Error: "Not found"})
}

// writeError maps gateway errors to responses. Upstream answers keep the
// store's status and body; anything else is a 500.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, upstreamMsg string, err error) {
	switch {
	case errors.Is(err, content.ErrUnauthorized):
		api.writeJSON(ctx, w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
		return
	case errors.Is(err, content.ErrInvalidContent):
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "Missing content object"})
		return
	}

	L := log.FromContextOr(ctx, api.logger)
	var ue *store.UpstreamError
	if errors.As(err, &ue) {
		L.Warn(ctx, "upstream store rejected request", "op", ue.Op, "status", ue.Status)
		api.writeJSON(ctx, w, ue.Status, ErrorResponse{Error: upstreamMsg, Details: ue.Details})
		return
	}

	L.Error(ctx, err, "content request failed")
	api.writeJSON(ctx, w, http.StatusInternalServerError, ErrorResponse{Error: "Server error", Details: err.Error()})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.FromContextOr(ctx, api.logger).Error(ctx, err, "failed to encode JSON response")
		status = http.StatusInternalServerError
		b = []byte(`{"error":"Server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		log.FromContextOr(ctx, api.logger).Warn(ctx, "failed to write JSON response", "error", err)
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
