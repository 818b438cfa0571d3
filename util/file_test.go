package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string
	Count int
}

func TestWriteReadJson(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	written := &testPayload{Name: "bundle", Count: 3}
	require.NoError(t, WriteJson(context.Background(), path, written))

	read := &testPayload{}
	_, err := ReadJson(path, read)
	require.NoError(t, err)
	assert.Equal(t, written, read)
}

func TestWriteJsonLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteJson(context.Background(), path, &testPayload{Name: "a"}))
	require.NoError(t, WriteJson(context.Background(), path, &testPayload{Name: "b"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	read := &testPayload{}
	_, err = ReadJson(path, read)
	require.NoError(t, err)
	assert.Equal(t, "b", read.Name)
}

func TestWriteJsonCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "state.json")
	err := WriteJson(ctx, path, &testPayload{})
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestReadJsonMissingFile(t *testing.T) {
	_, err := ReadJson(filepath.Join(t.TempDir(), "missing.json"), &testPayload{})
	assert.Error(t, err)
}
