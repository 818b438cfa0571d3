package loader

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybundle/skybundle/client/internal/store"
)

func writeBundle(t *testing.T, manifestID string, assets map[string][]byte) string {
	t.Helper()

	bundleDir := t.TempDir()
	assetList := make([]map[string]string, 0, len(assets))
	var launch map[string]string
	for key, content := range assets {
		require.NoError(t, os.WriteFile(filepath.Join(bundleDir, key), content, 0644))
		hash := sha256.Sum256(content)
		entry := map[string]string{
			"key":  key,
			"url":  "bundle://" + key,
			"hash": base64.RawURLEncoding.EncodeToString(hash[:]),
		}
		if key == "bundle" {
			launch = entry
			continue
		}
		assetList = append(assetList, entry)
	}

	body := map[string]interface{}{
		"id":             manifestID,
		"scopeKey":       "app",
		"runtimeVersion": "1.0.0",
		"createdAt":      time.Now().UTC().Format(time.RFC3339),
		"launchAsset":    launch,
		"assets":         assetList,
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, embeddedManifestName), data, 0644))

	return bundleDir
}

func TestEmbeddedLoader_EndToEnd(t *testing.T) {
	manifestID := uuid.NewString()
	bundleDir := writeBundle(t, manifestID, map[string][]byte{
		"bundle": []byte("embedded bundle"),
		"logo":   []byte("embedded logo"),
	})

	cfg := newTestConfig(t)
	catalog := newTestStore(t)

	callback := &recordingCallback{}
	NewEmbedded(cfg, catalog, bundleDir).Start(context.Background(), callback)

	require.Empty(t, callback.failures)
	require.Len(t, callback.updates, 1)
	update := callback.updates[0]
	assert.Equal(t, manifestID, update.ID.String())
	assert.Equal(t, store.UpdateStatusEmbedded, update.Status,
		"updates committed from the app bundle are marked embedded, not ready")

	assets, err := catalog.GetUpdateAssets(context.Background(), update.ID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	for _, asset := range assets {
		assert.FileExists(t, filepath.Join(cfg.UpdatesDir(), asset.RelativePath))
	}

	// a later remote manifest with the same id finds the embedded update
	// already satisfied
	persisted, err := catalog.GetUpdateByID(context.Background(), update.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Status.Terminal())
}

func TestEmbeddedSource_MissingBundleManifest(t *testing.T) {
	source := NewEmbeddedSource(t.TempDir())
	_, err := source.FetchManifest(context.Background(), newTestConfig(t))
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedded manifest")
}

func TestEmbeddedSource_FetchAssetCopies(t *testing.T) {
	content := []byte("embedded bundle")
	bundleDir := writeBundle(t, uuid.NewString(), map[string][]byte{
		"bundle": content,
	})

	cfg := newTestConfig(t)
	source := NewEmbeddedSource(bundleDir)

	asset := &store.Asset{Key: "bundle"}
	result, isNew, err := source.FetchAsset(context.Background(), asset, cfg.UpdatesDir())
	require.NoError(t, err)
	assert.True(t, isNew)

	copied, err := os.ReadFile(filepath.Join(cfg.UpdatesDir(), result.RelativePath))
	require.NoError(t, err)
	assert.Equal(t, content, copied)

	hash := sha256.Sum256(content)
	assert.Equal(t, hash[:], result.ContentHash)

	// the copy is found in place on a second pass
	_, isNew, err = source.FetchAsset(context.Background(), asset, cfg.UpdatesDir())
	require.NoError(t, err)
	assert.False(t, isNew)
}
