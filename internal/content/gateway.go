package content

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wI2L/jsondiff"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidContent = errors.New("content must be a JSON object")
)

// DefaultContent is served before the document has ever been committed.
var DefaultContent = json.RawMessage(`{"hero":{},"kontakt":{},"galerie":[]}`)

const DefaultCommitMessage = "chore(cms): update content.json"

// Document is the site content at one revision. SHA is empty when the file
// does not exist yet.
type Document struct {
	Content json.RawMessage
	SHA     string
}

type ReplaceRequest struct {
	Password string
	Content  json.RawMessage
	// SHA is the revision the caller last read; empty means "look it up".
	SHA string
}

type ReplaceResult struct {
	// Commit is empty when the store did not report one.
	Commit string
	SHA    string
}

// Recorder is the metrics surface the gateway reports to.
type Recorder interface {
	IncAuthFailure()
	IncContentWrite(result string)
}

type Options struct {
	Store         store.Store
	AdminSecret   string
	Branch        string
	Path          string
	CommitMessage string
	Logger        log.Logger
	Metrics       Recorder
}

type Gateway struct {
	store   store.Store
	secret  []byte
	branch  string
	path    string
	message string
	logger  log.Logger
	metrics Recorder
	now     func() time.Time
}

func NewGateway(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, xerrors.New("Store is required")
	}
	if opts.AdminSecret == "" {
		return nil, xerrors.New("AdminSecret is required")
	}
	if opts.Path == "" {
		return nil, xerrors.New("Path is required")
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.CommitMessage == "" {
		opts.CommitMessage = DefaultCommitMessage
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Gateway{
		store:   opts.Store,
		secret:  []byte(opts.AdminSecret),
		branch:  opts.Branch,
		path:    opts.Path,
		message: opts.CommitMessage,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Read returns the stored document, or DefaultContent with no revision when
// the file has not been created yet.
func (g *Gateway) Read(ctx context.Context) (Document, error) {
	doc, err := g.store.Get(ctx, g.branch, g.path)
	if errors.Is(err, store.ErrNotFound) {
		return Document{Content: DefaultContent}, nil
	}
	if err != nil {
		return Document{}, err
	}
	if !json.Valid(doc.Data) {
		return Document{}, xerrors.Newf("stored %s is not valid JSON", g.path)
	}
	return Document{Content: json.RawMessage(doc.Data), SHA: doc.SHA}, nil
}

// Authorize compares password with the admin secret in constant time.
func (g *Gateway) Authorize(password string) error {
	if subtle.ConstantTimeCompare([]byte(password), g.secret) != 1 {
		if g.metrics != nil {
			g.metrics.IncAuthFailure()
		}
		return ErrUnauthorized
	}
	return nil
}

// Replace overwrites the document as one commit.
//
// Without a caller-supplied SHA the current one is fetched first. If that
// fetch fails for any reason the write goes out without a SHA, which GitHub
// treats as a create and rejects when the file exists; a store without that
// rule would overwrite unconditionally.
func (g *Gateway) Replace(ctx context.Context, req ReplaceRequest) (ReplaceResult, error) {
	if err := g.Authorize(req.Password); err != nil {
		return ReplaceResult{}, err
	}
	if !IsObject(req.Content) {
		return ReplaceResult{}, ErrInvalidContent
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, req.Content, "", "  "); err != nil {
		return ReplaceResult{}, ErrInvalidContent
	}

	L := log.FromContextOr(ctx, g.logger)
	sha := req.SHA
	if sha == "" {
		prev, err := g.store.Get(ctx, g.branch, g.path)
		switch {
		case err == nil:
			sha = prev.SHA
			g.logChanges(ctx, prev.Data, pretty.Bytes())
		case errors.Is(err, store.ErrNotFound):
			L.Debug(ctx, "no existing content, creating", "path", g.path, "branch", g.branch)
		default:
			L.Warn(ctx, "could not resolve current revision, writing without one",
				"path", g.path, "branch", g.branch, "error", err)
		}
	}

	start := g.now()
	res, err := g.store.Put(ctx, store.WriteRequest{
		Path:    g.path,
		Branch:  g.branch,
		Message: g.message,
		Data:    pretty.Bytes(),
		SHA:     sha,
	})
	if err != nil {
		g.recordWrite(writeResult(err))
		return ReplaceResult{}, err
	}
	g.recordWrite("ok")

	L.Info(ctx, "content updated",
		"path", g.path,
		"branch", g.branch,
		"commit", res.Commit,
		"previous_sha", sha,
		"bytes", pretty.Len(),
		"duration", g.now().Sub(start).Seconds(),
	)
	return ReplaceResult{Commit: res.Commit, SHA: res.SHA}, nil
}

func (g *Gateway) logChanges(ctx context.Context, prev, next []byte) {
	patch, err := jsondiff.CompareJSON(prev, next)
	if err != nil {
		// previous file was not JSON; nothing useful to compare
		return
	}
	paths := make([]string, 0, len(patch))
	for _, op := range patch {
		paths = append(paths, fmt.Sprintf("%s %s", op.Type, op.Path))
	}
	log.FromContextOr(ctx, g.logger).Debug(ctx, "content changes", "ops", len(patch), "changes", paths)
}

func (g *Gateway) recordWrite(result string) {
	if g.metrics != nil {
		g.metrics.IncContentWrite(result)
	}
}

func writeResult(err error) string {
	switch {
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	if _, ok := store.Status(err); ok {
		return "rejected"
	}
	return "error"
}

// IsObject reports whether raw is a JSON object. Arrays, strings, numbers,
// booleans and null are not.
func IsObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
}
