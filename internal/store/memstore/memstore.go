// Package memstore is an in-process store.Store with the same revision rules
// as the GitHub contents API. It backs local development (-store-backend=memory)
// and tests; nothing survives a restart.
package memstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/keithlinneman/linnemanlabs-cms/internal/store"
)

type file struct {
	data []byte
	sha  string
}

type Store struct {
	mu      sync.Mutex
	files   map[string]file
	commits int
}

func New() *Store {
	return &Store{files: make(map[string]file)}
}

func key(ref, path string) string { return ref + ":" + path }

// BlobSHA is the git blob id of data, which is what GitHub reports as a file sha.
func BlobSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Seed stores data without revision checks and returns its sha.
func (s *Store) Seed(ref, path string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := file{data: append([]byte(nil), data...), sha: BlobSHA(data)}
	s.files[key(ref, path)] = f
	return f.sha
}

func (s *Store) Get(ctx context.Context, ref, path string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key(ref, path)]
	if !ok {
		return store.Document{}, &store.UpstreamError{Op: "get", Status: http.StatusNotFound, Details: `{"message":"Not Found"}`}
	}
	return store.Document{Data: append([]byte(nil), f.data...), SHA: f.sha}, nil
}

func (s *Store) Put(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return store.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(req.Branch, req.Path)
	cur, exists := s.files[k]
	switch {
	case exists && req.SHA == "":
		return store.WriteResult{}, &store.UpstreamError{Op: "put", Status: http.StatusUnprocessableEntity,
			Details: `{"message":"Invalid request.\n\n\"sha\" wasn't supplied."}`}
	case exists && req.SHA != cur.sha:
		return store.WriteResult{}, &store.UpstreamError{Op: "put", Status: http.StatusConflict,
			Details: fmt.Sprintf(`{"message":"%s does not match %s"}`, req.Path, req.SHA)}
	case !exists && req.SHA != "":
		return store.WriteResult{}, &store.UpstreamError{Op: "put", Status: http.StatusConflict,
			Details: fmt.Sprintf(`{"message":"%s does not match %s"}`, req.Path, req.SHA)}
	}

	f := file{data: append([]byte(nil), req.Data...), sha: BlobSHA(req.Data)}
	s.files[k] = f
	s.commits++
	commit := BlobSHA([]byte(req.Branch + "\x00" + strconv.Itoa(s.commits) + "\x00" + f.sha))
	return store.WriteResult{Commit: commit, SHA: f.sha}, nil
}
