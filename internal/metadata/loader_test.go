package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile_YAMLList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blog.yaml", `
collections:
  - name: posts
    fields:
      - name: title
        localized: true
        required: true
      - name: status
        enum: [draft, live]
    options:
      versioning: true
    workflow:
      stages: [draft, published]
      transitions:
        - from: draft
          to: published
          roles: [editor]
    access:
      read:
        public: true
      update:
        roles: [editor]
  - name: tags
    fields:
      - name: label
`)
	entities, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	posts := entities[0]
	assert.Equal(t, "posts", posts.Name)
	assert.True(t, posts.GetField("title").Localized)
	assert.Equal(t, []string{"draft", "live"}, posts.GetField("status").Enum)
	assert.True(t, posts.Access.Read.Public)
	assert.Equal(t, []string{"editor"}, posts.Access.Update.Roles)
	require.NotNil(t, posts.Workflow)
	assert.Equal(t, TransitionFrom{"draft"}, posts.Workflow.Transitions[0].From)
}

func TestLoadFile_TOMLSingle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tags.toml", `
name = "tags"

[[fields]]
name = "label"
unique = true

[options]
timestamps = true
`)
	entities, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "tags", entities[0].Name)
	assert.True(t, entities[0].GetField("label").Unique)
	assert.True(t, entities[0].Options.Timestamps)
}

func TestLoadFile_TOMLCollections(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "all.toml", `
[[collections]]
name = "a"

[[collections]]
name = "b"
`)
	entities, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "b", entities[1].Name)
}

func TestLoadDir_MixedFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"name":"alpha","fields":[{"name":"x","type":"int"}]}`)
	writeFile(t, dir, "b.yml", "name: beta\n")
	writeFile(t, dir, "README.md", "ignored")

	entities, err := LoadPath(dir)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "alpha", entities[0].Name)
	assert.Equal(t, "int", entities[0].Fields[0].Type)
	assert.Equal(t, "beta", entities[1].Name)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFile(writeFile(t, dir, "x.ini", "name=x"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, dir, "bad.yaml", "collections: 3"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
