// Package ghstore keeps the site document in a GitHub repository through the
// repository contents API. Every write is a commit; the blob sha GitHub reports
// for the file is the revision marker.
package ghstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// Observer receives one call per upstream request. code is the HTTP status as
// a string, or "error" when no response arrived.
type Observer interface {
	ObserveStoreCall(op, code string, d time.Duration)
}

type Options struct {
	Owner string
	Repo  string
	Token string

	// BaseURL overrides https://api.github.com/ (GitHub Enterprise, tests).
	BaseURL   string
	UserAgent string

	// Timeout bounds each upstream call; 0 leaves it to the transport.
	Timeout time.Duration

	// Transport is wrapped with otelhttp; defaults to http.DefaultTransport.
	Transport http.RoundTripper

	Observer Observer
	Logger   log.Logger
}

type Store struct {
	gh       *github.Client
	owner    string
	repo     string
	timeout  time.Duration
	observer Observer
	logger   log.Logger
}

func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Owner == "" {
		return nil, xerrors.New("Owner is required")
	}
	if opts.Repo == "" {
		return nil, xerrors.New("Repo is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(rt,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "github " + r.Method
			}),
		),
	}
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, httpClient), ts)
	}

	gh := github.NewClient(httpClient)
	if opts.UserAgent != "" {
		gh.UserAgent = opts.UserAgent
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse github api url %q", opts.BaseURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = u
	}

	return &Store{
		gh:       gh,
		owner:    opts.Owner,
		repo:     opts.Repo,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		logger:   opts.Logger,
	}, nil
}

func (s *Store) Get(ctx context.Context, ref, path string) (store.Document, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	start := time.Now()
	file, _, resp, err := s.gh.Repositories.GetContents(ctx, s.owner, s.repo, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	s.observe("get", resp, start)
	if err != nil {
		return store.Document{}, s.upstreamErr("get", path, resp, err)
	}
	if file == nil {
		return store.Document{}, xerrors.Newf("%s on %s is a directory, not a file", path, ref)
	}

	text, err := file.GetContent()
	if err != nil {
		return store.Document{}, xerrors.Wrapf(err, "decode %s", path)
	}
	return store.Document{Data: []byte(text), SHA: file.GetSHA()}, nil
}

func (s *Store) Put(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		Content: req.Data,
		Branch:  github.String(req.Branch),
	}

	start := time.Now()
	var (
		res  *github.RepositoryContentResponse
		resp *github.Response
		err  error
	)
	if req.SHA != "" {
		opts.SHA = github.String(req.SHA)
		res, resp, err = s.gh.Repositories.UpdateFile(ctx, s.owner, s.repo, req.Path, opts)
	} else {
		res, resp, err = s.gh.Repositories.CreateFile(ctx, s.owner, s.repo, req.Path, opts)
	}
	s.observe("put", resp, start)
	if err != nil {
		return store.WriteResult{}, s.upstreamErr("put", req.Path, resp, err)
	}
	if res == nil {
		return store.WriteResult{}, nil
	}
	return store.WriteResult{Commit: res.Commit.GetSHA(), SHA: res.Content.GetSHA()}, nil
}

func (s *Store) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *Store) observe(op string, resp *github.Response, start time.Time) {
	if s.observer == nil {
		return
	}
	code := "error"
	if resp != nil && resp.Response != nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	s.observer.ObserveStoreCall(op, code, time.Since(start))
}

// upstreamErr keeps GitHub's own status and message when a response arrived;
// transport failures are returned wrapped and end up as a 500.
func (s *Store) upstreamErr(op, path string, resp *github.Response, err error) error {
	if resp == nil || resp.Response == nil || resp.StatusCode < 400 {
		return xerrors.Wrapf(err, "github %s %s", op, path)
	}
	return &store.UpstreamError{Op: op, Status: resp.StatusCode, Details: details(err)}
}

// details re-serializes GitHub's error body (message, errors, documentation_url).
func details(err error) string {
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		if b, merr := json.Marshal(er); merr == nil {
			return string(b)
		}
		return er.Message
	}
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return rl.Message
	}
	return err.Error()
}
