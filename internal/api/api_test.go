package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-collections/internal/api"
	"rocket-collections/internal/config"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/search"
	"rocket-collections/internal/storage"
	"rocket-collections/internal/store"
)

const secret = "api-test-secret"

func entities() []*metadata.Entity {
	return []*metadata.Entity{
		{
			Name: "products",
			Fields: []metadata.Field{
				{Name: "sku", Required: true, Unique: true},
				{Name: "name", Localized: true},
				{Name: "price", Type: "float"},
				{Name: "stock", Type: "int"},
			},
			Title:   &metadata.TitleConfig{Fields: []string{"sku", "name"}, Separator: " - "},
			Options: metadata.Options{Timestamps: true, SoftDelete: true, Versioning: true},
		},
		{
			Name:   "media",
			Fields: []metadata.Field{{Name: "alt"}, {Name: "rank", Type: "int"}},
			Upload: &metadata.UploadPolicy{MaxSize: 1024, MimeTypes: []string{"image/*"}},
		},
		{
			Name:   "secrets",
			Fields: []metadata.Field{{Name: "value"}},
			Access: metadata.AccessRules{Read: &metadata.AccessRule{Roles: []string{"admin"}}},
		},
		{
			Name:   "memos",
			Fields: []metadata.Field{{Name: "title"}, {Name: "owner"}},
			Access: metadata.AccessRules{Read: &metadata.AccessRule{
				Where: []metadata.Condition{{Field: "owner", Value: "$session.id"}},
			}},
			Title: &metadata.TitleConfig{Fields: []string{"title"}},
		},
	}
}

func newApp(t *testing.T, opts api.Options) *fiber.App {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(entities()))
	require.NoError(t, s.Bootstrap(ctx, reg.AllEntities()))

	ix := search.New(s)
	e, err := engine.New(s, reg, engine.Options{
		Indexer: ix,
		Files:   storage.NewLocalStorage(t.TempDir()),
		Locales: config.LocaleConfig{Default: "en"},
	})
	require.NoError(t, err)
	opts.JWTSecret = secret
	opts.Search = ix
	return api.NewApp(e, opts)
}

type response struct {
	Status int
	Body   map[string]any
}

func (r response) data() map[string]any {
	d, _ := r.Body["data"].(map[string]any)
	return d
}

func (r response) errorCode() string {
	e, _ := r.Body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func do(t *testing.T, app *fiber.App, req *http.Request) response {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := response{Status: resp.StatusCode, Body: map[string]any{}}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.Body), string(raw))
	}
	return out
}

func call(t *testing.T, app *fiber.App, method, target string, body any) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(t, app, req)
}

func TestCRUDRoundTrip(t *testing.T) {
	app := newApp(t, api.Options{})

	created := call(t, app, "POST", "/api/products", map[string]any{"sku": "S1", "name": "Shoe", "price": 20, "stock": 3})
	require.Equal(t, 201, created.Status, created.Body)
	id := created.data()["id"].(string)
	assert.Equal(t, "S1 - Shoe", created.data()[metadata.TitleKey])

	call(t, app, "POST", "/api/products", map[string]any{"sku": "S2", "name": "Sock", "price": 5, "stock": 10})

	got := call(t, app, "GET", "/api/products/"+id, nil)
	require.Equal(t, 200, got.Status)
	assert.Equal(t, "Shoe", got.data()["name"])

	updated := call(t, app, "PATCH", "/api/products/"+id+"?locale=de", map[string]any{"name": "Schuh"})
	require.Equal(t, 200, updated.Status, updated.Body)
	assert.Equal(t, "Schuh", updated.data()["name"])

	en := call(t, app, "GET", "/api/products/"+id, nil)
	assert.Equal(t, "Shoe", en.data()["name"])

	versions := call(t, app, "GET", "/api/products/"+id+"/versions", nil)
	require.Equal(t, 200, versions.Status)
	assert.Len(t, versions.Body["data"], 2)

	reverted := call(t, app, "POST", "/api/products/"+id+"/revert", map[string]any{"version": 1})
	require.Equal(t, 200, reverted.Status, reverted.Body)

	deleted := call(t, app, "DELETE", "/api/products/"+id, nil)
	require.Equal(t, 200, deleted.Status)
	assert.Equal(t, true, deleted.Body["success"])

	missing := call(t, app, "GET", "/api/products/"+id, nil)
	assert.Equal(t, 404, missing.Status)
	assert.Equal(t, "NOT_FOUND", missing.errorCode())

	restored := call(t, app, "POST", "/api/products/"+id+"/restore", nil)
	require.Equal(t, 200, restored.Status, restored.Body)
	assert.Nil(t, restored.data()["deleted_at"])
}

func TestListQueryParameters(t *testing.T) {
	app := newApp(t, api.Options{})
	for i, sku := range []string{"A", "B", "C", "D"} {
		res := call(t, app, "POST", "/api/products", map[string]any{"sku": sku, "name": "Item " + sku, "price": float64(i+1) * 10, "stock": i})
		require.Equal(t, 201, res.Status, res.Body)
	}

	list := call(t, app, "GET", "/api/products?sort=-price&limit=2&page=1", nil)
	require.Equal(t, 200, list.Status, list.Body)
	assert.EqualValues(t, 4, list.Body["totalDocs"])
	assert.EqualValues(t, 2, list.Body["totalPages"])
	assert.Equal(t, true, list.Body["hasNextPage"])
	docs := list.Body["docs"].([]any)
	require.Len(t, docs, 2)
	assert.Equal(t, "D", docs[0].(map[string]any)["sku"])

	filtered := call(t, app, "GET", "/api/products?filter[price.gte]=20&filter[stock.lt]=3", nil)
	require.Equal(t, 200, filtered.Status, filtered.Body)
	assert.EqualValues(t, 2, filtered.Body["totalDocs"])

	where := url.QueryEscape(`{"or":[{"sku":"A"},{"sku":{"in":["C"]}}]}`)
	res := call(t, app, "GET", "/api/products/count?where="+where, nil)
	require.Equal(t, 200, res.Status, res.Body)
	assert.EqualValues(t, 2, res.Body["totalDocs"])

	in := call(t, app, "GET", "/api/products/count?filter[sku.in]=A,B,Z", nil)
	assert.EqualValues(t, 2, in.Body["totalDocs"])

	bad := call(t, app, "GET", "/api/products?filter[stock]=lots", nil)
	assert.Equal(t, 400, bad.Status)
	assert.Equal(t, "BAD_REQUEST", bad.errorCode())

	unknown := call(t, app, "GET", "/api/products?sort=colour", nil)
	assert.Equal(t, 400, unknown.Status)

	hits := call(t, app, "GET", "/api/products/search?q=item%20c", nil)
	require.Equal(t, 200, hits.Status, hits.Body)
	require.Len(t, hits.Body["data"], 1)
}

func TestBatchUpdateAndDelete(t *testing.T) {
	app := newApp(t, api.Options{})
	for _, sku := range []string{"A", "B", "C"} {
		call(t, app, "POST", "/api/products", map[string]any{"sku": sku, "stock": 1})
	}

	res := call(t, app, "PATCH", "/api/products", map[string]any{
		"where": map[string]any{"sku": map[string]any{"in": []string{"A", "B"}}},
		"data":  map[string]any{"stock": 7},
	})
	require.Equal(t, 200, res.Status, res.Body)
	assert.Len(t, res.Body["data"], 2)

	refused := call(t, app, "DELETE", "/api/products", nil)
	assert.Equal(t, 400, refused.Status)

	deleted := call(t, app, "DELETE", "/api/products?filter[stock]=7", nil)
	require.Equal(t, 200, deleted.Status, deleted.Body)
	assert.EqualValues(t, 2, deleted.Body["count"])

	left := call(t, app, "GET", "/api/products/count", nil)
	assert.EqualValues(t, 1, left.Body["totalDocs"])
}

func TestErrorResponses(t *testing.T) {
	app := newApp(t, api.Options{})

	unknown := call(t, app, "GET", "/api/widgets", nil)
	assert.Equal(t, 404, unknown.Status)
	assert.NotEmpty(t, unknown.errorCode())

	invalid := call(t, app, "POST", "/api/products", map[string]any{"price": "free"})
	assert.Equal(t, 422, invalid.Status)
	assert.Equal(t, "VALIDATION_FAILED", invalid.errorCode())

	req := httptest.NewRequest("POST", "/api/products", bytes.NewReader([]byte("{nope")))
	req.Header.Set("Content-Type", "application/json")
	malformed := do(t, app, req)
	assert.Equal(t, 400, malformed.Status)
	assert.Equal(t, "INVALID_PAYLOAD", malformed.errorCode())

	call(t, app, "POST", "/api/products", map[string]any{"sku": "S1"})
	dup := call(t, app, "POST", "/api/products", map[string]any{"sku": "S1"})
	assert.Equal(t, 409, dup.Status)
	assert.Equal(t, "CONFLICT", dup.errorCode())

	notFlow := call(t, app, "POST", "/api/media/1/transition", map[string]any{"to": "published"})
	assert.Equal(t, 501, notFlow.Status)
}

func token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestSessionFromBearerToken(t *testing.T) {
	app := newApp(t, api.Options{})

	anon := call(t, app, "GET", "/api/secrets", nil)
	assert.Equal(t, 403, anon.Status)

	req := httptest.NewRequest("GET", "/api/secrets", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", "admin"))
	admin := do(t, app, req)
	assert.Equal(t, 200, admin.Status, admin.Body)

	strict := newApp(t, api.Options{RequireAuth: true})
	res := call(t, strict, "GET", "/api/products", nil)
	assert.Equal(t, 401, res.Status)
	assert.Equal(t, "UNAUTHORIZED", res.errorCode())
}

func TestSearchReturnsOnlyReadableHits(t *testing.T) {
	app := newApp(t, api.Options{})
	call(t, app, "POST", "/api/memos", map[string]any{"title": "launch plan", "owner": "u1"})
	call(t, app, "POST", "/api/memos", map[string]any{"title": "pricing plan", "owner": "u2"})

	search := func(sub string) []any {
		req := httptest.NewRequest("GET", "/api/memos/search?q=plan", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, sub))
		res := do(t, app, req)
		require.Equal(t, 200, res.Status, res.Body)
		hits, _ := res.Body["data"].([]any)
		return hits
	}

	mine := search("u1")
	require.Len(t, mine, 1)
	assert.Equal(t, "launch plan", mine[0].(map[string]any)["title"])
	assert.Len(t, search("u3"), 0)

	denied := call(t, app, "GET", "/api/secrets/search?q=x", nil)
	assert.Equal(t, 403, denied.Status)
}

func multipartRequest(t *testing.T, target string, fields map[string]string, files ...[3]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+f[0]+`"`)
		h.Set("Content-Type", f[1])
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(f[2]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest("POST", target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadMultipart(t *testing.T) {
	app := newApp(t, api.Options{})

	one := do(t, app, multipartRequest(t, "/api/media/upload",
		map[string]string{"alt": "a cat", "rank": "2"},
		[3]string{"cat.png", "image/png", "meow"}))
	require.Equal(t, 201, one.Status, one.Body)
	assert.Equal(t, "cat.png", one.data()["filename"])
	assert.EqualValues(t, 4, one.data()["filesize"])
	assert.EqualValues(t, 2, one.data()["rank"])

	many := do(t, app, multipartRequest(t, "/api/media/upload", nil,
		[3]string{"a.png", "image/png", "a"},
		[3]string{"b.gif", "image/gif", "bb"}))
	require.Equal(t, 201, many.Status, many.Body)
	assert.Len(t, many.Body["data"], 2)

	rejected := do(t, app, multipartRequest(t, "/api/media/upload", nil,
		[3]string{"notes.txt", "text/plain", "hi"}))
	assert.Equal(t, 422, rejected.Status)

	empty := do(t, app, multipartRequest(t, "/api/media/upload", map[string]string{"alt": "x"}))
	assert.Equal(t, 400, empty.Status)
	assert.Equal(t, "INVALID_PAYLOAD", empty.errorCode())
}
