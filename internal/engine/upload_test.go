package engine_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/storage"
)

func mediaEntities() []*metadata.Entity {
	return []*metadata.Entity{{
		Name:    "media",
		Fields:  []metadata.Field{{Name: "alt"}},
		Upload:  &metadata.UploadPolicy{MaxSize: 16, MimeTypes: []string{"image/*"}, Prefix: "media"},
		Options: metadata.Options{Timestamps: true},
	}}
}

func TestUpload_StoresFileAndRecord(t *testing.T) {
	ctx := context.Background()
	files := storage.NewLocalStorage(t.TempDir())
	e := testEngine(t, mediaEntities(), engine.Options{Files: files})
	media := collection(t, e, "media")

	row, err := media.Upload(ctx, engine.File{Filename: "Cat.PNG", MimeType: "image/png", Data: []byte("png-bytes")},
		map[string]any{"alt": "a cat"}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, "Cat.PNG", row["filename"])
	assert.Equal(t, "image/png", row["mime_type"])
	assert.EqualValues(t, 9, row["filesize"])
	assert.Equal(t, "a cat", row["alt"])

	key, _ := row["storage_key"].(string)
	assert.True(t, strings.HasPrefix(key, "media/"))
	assert.True(t, strings.HasSuffix(key, ".png"))

	rc, err := files.Open(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
}

func TestUpload_Rejections(t *testing.T) {
	ctx := context.Background()
	files := storage.NewLocalStorage(t.TempDir())
	e := testEngine(t, mediaEntities(), engine.Options{Files: files})
	media := collection(t, e, "media")

	_, err := media.Upload(ctx, engine.File{Filename: "doc.pdf", MimeType: "application/pdf", Data: []byte("x")}, nil, engine.OpContext{})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	assert.Equal(t, "mime_type", appErr.Details[0].Rule)

	_, err = media.Upload(ctx, engine.File{Filename: "big.png", MimeType: "image/png", Data: make([]byte, 17)}, nil, engine.OpContext{})
	appErr = requireAppError(t, err, "VALIDATION_FAILED")
	assert.Equal(t, "max_size", appErr.Details[0].Rule)

	_, err = media.Upload(ctx, engine.File{Filename: "stream.png", MimeType: "image/png", Reader: strings.NewReader(strings.Repeat("x", 40))}, nil, engine.OpContext{})
	appErr = requireAppError(t, err, "VALIDATION_FAILED")
	assert.Equal(t, "max_size", appErr.Details[0].Rule)

	_, err = media.Upload(ctx, engine.File{Filename: "a.png", MimeType: "image/png", Data: []byte("x")}, map[string]any{"unknown": 1}, engine.OpContext{})
	requireAppError(t, err, "VALIDATION_FAILED")

	n, err := media.Count(ctx, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUploadMany_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, mediaEntities(), engine.Options{Files: storage.NewLocalStorage(t.TempDir())})
	media := collection(t, e, "media")

	rows, err := media.UploadMany(ctx, []engine.File{
		{Filename: "a.png", MimeType: "image/png", Data: []byte("a")},
		{Filename: "b.gif", MimeType: "image/gif", Reader: strings.NewReader("b")},
		{Filename: "c.txt", MimeType: "text/plain", Data: []byte("c")},
		{Filename: "d.png", MimeType: "image/png", Data: []byte("d")},
	}, nil, engine.OpContext{})
	requireAppError(t, err, "VALIDATION_FAILED")
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[1]["filesize"])

	n, err := media.Count(ctx, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpload_NotConfigured(t *testing.T) {
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")
	_, err := products.Upload(context.Background(), engine.File{Filename: "a.png", Data: []byte("a")}, nil, engine.OpContext{})
	requireAppError(t, err, "NOT_IMPLEMENTED")
}
