// Package store is the contract between the content gateway and the remote
// versioned-file store that persists the site document.
//
// Revisions are opaque markers issued by the store. A write carrying a marker
// that is no longer current must be refused by the store; callers see that as
// an *UpstreamError that matches ErrConflict and should re-read before trying
// again.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound matches a read of a path that has never been committed.
	ErrNotFound = errors.New("store: file not found")

	// ErrConflict matches a write rejected because the supplied revision is stale.
	ErrConflict = errors.New("store: revision conflict")
)

// Document is one stored file at one revision.
type Document struct {
	Data []byte
	SHA  string
}

// WriteRequest replaces the file at Path on Branch. An empty SHA is omitted
// from the upstream call, which makes it a create (or an unconditional
// overwrite where the store allows it).
type WriteRequest struct {
	Path    string
	Branch  string
	Message string
	Data    []byte
	SHA     string
}

// WriteResult carries the commit created by a successful write. Commit is
// empty when the store did not report one.
type WriteResult struct {
	Commit string
	SHA    string
}

type Store interface {
	// Get returns the file at path on ref, or an error matching ErrNotFound.
	Get(ctx context.Context, ref, path string) (Document, error)

	// Put creates or updates a file as a single commit.
	Put(ctx context.Context, req WriteRequest) (WriteResult, error)
}

// UpstreamError is a non-success answer from the store, kept verbatim so it
// can be handed back to the caller.
type UpstreamError struct {
	Op      string
	Status  int
	Details string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("store %s: status %d: %s", e.Op, e.Status, e.Details)
}

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

// Status reports the upstream status carried by err, if any.
func Status(err error) (int, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status, true
	}
	return 0, false
}
