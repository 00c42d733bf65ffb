package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStorage(t.TempDir())

	require.NoError(t, s.Put(ctx, "media/a/hello.txt", []byte("hello"), Meta{Filename: "hello.txt"}))
	n, err := s.PutStream(ctx, "media/b/big.txt", strings.NewReader("streamed body"), Meta{})
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	rc, err := s.Open(ctx, "media/a/hello.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	require.NoError(t, s.Delete(ctx, "media/a/hello.txt"))
	_, err = s.Open(ctx, "media/a/hello.txt")
	assert.Error(t, err)
	assert.NoError(t, s.Delete(ctx, "media/a/hello.txt"))
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	s := NewLocalStorage(t.TempDir())
	err := s.Put(context.Background(), "../outside.txt", []byte("x"), Meta{})
	assert.Error(t, err)
	_, err = s.Open(context.Background(), "")
	assert.Error(t, err)
}
