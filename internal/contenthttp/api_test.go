package contenthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-cms/internal/content"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store/memstore"
)

const (
	testSecret = "hunter2"
	testPath   = "content/content.json"
)

// watchedStore counts calls and can replace either with a fixed error.
type watchedStore struct {
	store.Store
	gets, puts     atomic.Int32
	getErr, putErr error
}

func (s *watchedStore) Get(ctx context.Context, ref, path string) (store.Document, error) {
	s.gets.Add(1)
	if s.getErr != nil {
		return store.Document{}, s.getErr
	}
	return s.Store.Get(ctx, ref, path)
}

func (s *watchedStore) Put(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	s.puts.Add(1)
	if s.putErr != nil {
		return store.WriteResult{}, s.putErr
	}
	return s.Store.Put(ctx, req)
}

func newTestRouter(t *testing.T) (http.Handler, *watchedStore) {
	t.Helper()
	ws := &watchedStore{Store: memstore.New()}
	gw, err := content.NewGateway(content.Options{
		Store:       ws,
		AdminSecret: testSecret,
		Path:        testPath,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	r := chi.NewRouter()
	NewAPI(gw, Options{}).RegisterRoutes(r)
	return r, ws
}

func do(t *testing.T, h http.Handler, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return m
}

func postBody(t *testing.T, password string, contentJSON string, sha any) string {
	t.Helper()
	m := map[string]any{"password": password, "content": json.RawMessage(contentJSON)}
	if sha != nil {
		m["sha"] = sha
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestGet_MissingDocumentReturnsDefault(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}

	m := decode(t, rec)
	if m["sha"] != nil {
		t.Fatalf("sha = %v, want null", m["sha"])
	}
	got, _ := json.Marshal(m["content"])
	var want, have any
	_ = json.Unmarshal(content.DefaultContent, &want)
	_ = json.Unmarshal(got, &have)
	wb, _ := json.Marshal(want)
	hb, _ := json.Marshal(have)
	if string(wb) != string(hb) {
		t.Fatalf("content = %s, want %s", hb, wb)
	}
}

func TestGet_ResponseIsIndented(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "")
	if !strings.HasPrefix(rec.Body.String(), "{\n  \"content\"") {
		t.Fatalf("body not indented:\n%s", rec.Body.String())
	}
}

func TestGet_UpstreamErrorPassesStatusAndDetails(t *testing.T) {
	h, ws := newTestRouter(t)
	ws.getErr = &store.UpstreamError{Op: "get", Status: http.StatusForbidden, Details: `{"message":"Bad credentials"}`}

	rec := do(t, h, http.MethodGet, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	m := decode(t, rec)
	if m["error"] != "GitHub GET failed" {
		t.Fatalf("error = %v", m["error"])
	}
	if m["details"] != `{"message":"Bad credentials"}` {
		t.Fatalf("details = %v", m["details"])
	}
}

func TestGet_TransportErrorIs500(t *testing.T) {
	h, ws := newTestRouter(t)
	ws.getErr = errors.New("dial tcp: connection refused")

	rec := do(t, h, http.MethodGet, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	m := decode(t, rec)
	if m["error"] != "Server error" {
		t.Fatalf("error = %v", m["error"])
	}
	if !strings.Contains(m["details"].(string), "connection refused") {
		t.Fatalf("details = %v", m["details"])
	}
}

func TestPost_WrongPasswordIs401WithoutWrite(t *testing.T) {
	cases := map[string]string{
		"wrong":       postBody(t, "nope", `{"hero":{}}`, nil),
		"empty":       postBody(t, "", `{"hero":{}}`, nil),
		"missing":     `{"content":{"hero":{}}}`,
		"not string":  `{"password":42,"content":{"hero":{}}}`,
		"bad content": postBody(t, "nope", `[1,2]`, nil),
		"array body":  `[]`,
		"string body": `"x"`,
		"number body": `12`,
		"null body":   `null`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h, ws := newTestRouter(t)
			rec := do(t, h, http.MethodPost, body)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
			}
			if decode(t, rec)["error"] != "Unauthorized" {
				t.Fatalf("body = %s", rec.Body.String())
			}
			if n := ws.puts.Load(); n != 0 {
				t.Fatalf("puts = %d, want 0", n)
			}
		})
	}
}

func TestPost_InvalidContentIs400WithoutWrite(t *testing.T) {
	for _, c := range []string{`null`, `[]`, `"text"`, `12`, `true`} {
		t.Run(c, func(t *testing.T) {
			h, ws := newTestRouter(t)
			rec := do(t, h, http.MethodPost, postBody(t, testSecret, c, nil))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if decode(t, rec)["error"] != "Missing content object" {
				t.Fatalf("body = %s", rec.Body.String())
			}
			if n := ws.puts.Load(); n != 0 {
				t.Fatalf("puts = %d, want 0", n)
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		h, ws := newTestRouter(t)
		rec := do(t, h, http.MethodPost, `{"password":"`+testSecret+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if n := ws.puts.Load(); n != 0 {
			t.Fatalf("puts = %d, want 0", n)
		}
	})
}

func TestPost_UndecodableBodyIs400(t *testing.T) {
	h, ws := newTestRouter(t)

	rec := do(t, h, http.MethodPost, `{"password":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decode(t, rec)["error"] != "Invalid JSON body" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if ws.gets.Load() != 0 || ws.puts.Load() != 0 {
		t.Fatal("store was contacted")
	}
}

func TestPost_FieldNamesAreCaseSensitive(t *testing.T) {
	cases := map[string]string{
		"upper overrides wrong":  `{"password":"nope","PASSWORD":"` + testSecret + `","content":{"a":1}}`,
		"title case only":        `{"Password":"` + testSecret + `","content":{"a":1}}`,
		"upper before lower":     `{"PASSWORD":"` + testSecret + `","password":"nope","content":{"a":1}}`,
		"content variant no pwd": `{"Content":{"a":1},"PASSWORD":"` + testSecret + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h, ws := newTestRouter(t)
			rec := do(t, h, http.MethodPost, body)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
			}
			if n := ws.puts.Load(); n != 0 {
				t.Fatalf("puts = %d, want 0", n)
			}
		})
	}

	// exact password with a case-variant content key still has no content
	h, ws := newTestRouter(t)
	rec := do(t, h, http.MethodPost, `{"password":"`+testSecret+`","Content":{"a":1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["error"] != "Missing content object" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if ws.puts.Load() != 0 {
		t.Fatal("store was written")
	}
}

func TestPost_TrailingDataIs400(t *testing.T) {
	for name, body := range map[string]string{
		"garbage":      postBody(t, testSecret, `{"a":1}`, nil) + ` trailing`,
		"second value": postBody(t, testSecret, `{"a":1}`, nil) + `{}`,
		"empty":        ``,
	} {
		t.Run(name, func(t *testing.T) {
			h, ws := newTestRouter(t)
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if decode(t, rec)["error"] != "Invalid JSON body" {
				t.Fatalf("body = %s", rec.Body.String())
			}
			if ws.puts.Load() != 0 {
				t.Fatal("store was written")
			}
		})
	}
}

func TestPost_NonStringSHA(t *testing.T) {
	h, ws := newTestRouter(t)

	rec := do(t, h, http.MethodPost, postBody(t, testSecret, `{"a":1}`, 7))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decode(t, rec)["error"] != "Invalid sha" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, postBody(t, "nope", `{"a":1}`, 7))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	if ws.puts.Load() != 0 {
		t.Fatal("store was written")
	}
}

func TestPost_CreateThenReadRoundTrip(t *testing.T) {
	h, _ := newTestRouter(t)
	doc := `{"hero":{"title":"Hallo"},"kontakt":{"mail":"a@b.c"},"galerie":[{"src":"x.jpg"}]}`

	rec := do(t, h, http.MethodPost, postBody(t, testSecret, doc, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	if m["ok"] != true {
		t.Fatalf("ok = %v", m["ok"])
	}
	if c, _ := m["commit"].(string); c == "" {
		t.Fatalf("commit = %v, want an id", m["commit"])
	}

	rec = do(t, h, http.MethodGet, "")
	var got ReadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode GET: %v", err)
	}
	if got.SHA == nil || *got.SHA == "" {
		t.Fatal("sha missing after write")
	}
	var want, have any
	_ = json.Unmarshal([]byte(doc), &want)
	_ = json.Unmarshal(got.Content, &have)
	wb, _ := json.Marshal(want)
	hb, _ := json.Marshal(have)
	if string(wb) != string(hb) {
		t.Fatalf("content = %s, want %s", hb, wb)
	}
}

func TestPost_ReadThenWriteWithSHA(t *testing.T) {
	h, _ := newTestRouter(t)
	if rec := do(t, h, http.MethodPost, postBody(t, testSecret, `{"v":1}`, nil)); rec.Code != http.StatusOK {
		t.Fatalf("seed POST = %d", rec.Code)
	}

	var got ReadResponse
	_ = json.Unmarshal(do(t, h, http.MethodGet, "").Body.Bytes(), &got)

	rec := do(t, h, http.MethodPost, postBody(t, testSecret, `{"v":2}`, *got.SHA))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST with fresh sha = %d: %s", rec.Code, rec.Body.String())
	}

	// the sha read before the last write is now stale
	rec = do(t, h, http.MethodPost, postBody(t, testSecret, `{"v":3}`, *got.SHA))
	if rec.Code != http.StatusConflict {
		t.Fatalf("POST with stale sha = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	if m["error"] != "GitHub PUT failed" {
		t.Fatalf("error = %v", m["error"])
	}
	if d, _ := m["details"].(string); d == "" {
		t.Fatal("details empty")
	}
}

func TestPost_NullCommitWhenStoreReportsNone(t *testing.T) {
	ws := &watchedStore{Store: noCommitStore{memstore.New()}}
	gw, err := content.NewGateway(content.Options{Store: ws, AdminSecret: testSecret, Path: testPath})
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	NewAPI(gw, Options{}).RegisterRoutes(r)

	rec := do(t, r, http.MethodPost, postBody(t, testSecret, `{}`, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode(t, rec)
	if v, ok := m["commit"]; !ok || v != nil {
		t.Fatalf("commit = %v (present %v), want null", v, ok)
	}
}

type noCommitStore struct{ *memstore.Store }

func (s noCommitStore) Put(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if _, err := s.Store.Put(ctx, req); err != nil {
		return store.WriteResult{}, err
	}
	return store.WriteResult{}, nil
}

func TestOptions_NoBodyNoStore(t *testing.T) {
	h, ws := newTestRouter(t)

	rec := do(t, h, http.MethodOptions, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}
	if ws.gets.Load() != 0 || ws.puts.Load() != 0 {
		t.Fatal("store was contacted")
	}
}

func TestOptions_AnyPathIs204(t *testing.T) {
	h, _ := newTestRouter(t)
	for _, path := range []string{"/elsewhere", "/a/b/c"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: status = %d, want 204", path, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("%s: body = %q", path, rec.Body.String())
		}
	}

	// a route that exists without an OPTIONS handler
	gw, err := content.NewGateway(content.Options{Store: memstore.New(), AdminSecret: testSecret, Path: testPath})
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	r.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {})
	NewAPI(gw, Options{}).RegisterRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/-/ready", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestOtherMethodsAre405(t *testing.T) {
	for _, m := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(m, func(t *testing.T) {
			h, ws := newTestRouter(t)
			rec := do(t, h, m, "")
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status = %d, want 405", rec.Code)
			}
			if decode(t, rec)["error"] != "Method not allowed" {
				t.Fatalf("body = %s", rec.Body.String())
			}
			if ws.gets.Load() != 0 || ws.puts.Load() != 0 {
				t.Fatal("store was contacted")
			}
		})
	}
}

func TestUnknownPathIs404(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/elsewhere", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCustomRoute(t *testing.T) {
	gw, err := content.NewGateway(content.Options{Store: memstore.New(), AdminSecret: testSecret, Path: testPath})
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	NewAPI(gw, Options{Route: "/api/content"}).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/content", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPost_BodyTooLarge(t *testing.T) {
	h, _ := newTestRouter(t)
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 16)
		h.ServeHTTP(w, r)
	})

	rec := do(t, limited, http.MethodPost, postBody(t, testSecret, `{"big":"`+strings.Repeat("x", 64)+`"}`, nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}
