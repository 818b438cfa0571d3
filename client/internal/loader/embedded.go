package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skybundle/skybundle/client/internal/config"
	"github.com/skybundle/skybundle/client/internal/files"
	"github.com/skybundle/skybundle/client/internal/manifest"
	"github.com/skybundle/skybundle/client/internal/store"
)

const embeddedManifestName = "manifest.json"

// EmbeddedSource materializes the update shipped inside the app bundle:
// the manifest and every asset are plain files below bundleDir, copied into
// the updates directory instead of transferred over the network.
type EmbeddedSource struct {
	bundleDir string
}

// NewEmbeddedSource returns a source reading from the given bundle directory.
func NewEmbeddedSource(bundleDir string) *EmbeddedSource {
	return &EmbeddedSource{bundleDir: bundleDir}
}

func (s *EmbeddedSource) FetchManifest(_ context.Context, cfg *config.Config) (*manifest.Manifest, error) {
	path := filepath.Join(s.bundleDir, embeddedManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded manifest %s: %w", path, err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.RuntimeVersion != "" {
		if err := m.CompatibleWith(cfg.RuntimeVersion); err != nil {
			return nil, err
		}
	}

	log.Debugf("read embedded manifest %s (%d assets)", m.ID, len(m.Assets))
	return m, nil
}

func (s *EmbeddedSource) FetchAsset(_ context.Context, asset *store.Asset, dstDir string) (*store.Asset, bool, error) {
	filename := assetFilename(asset)
	srcPath := filepath.Join(s.bundleDir, filename)
	dstPath := filepath.Join(dstDir, filename)

	if files.Exists(dstPath) {
		if err := verifyAsset(asset, dstPath); err == nil {
			asset.RelativePath = filename
			return asset, false, nil
		}
		log.Debugf("file at %s does not match asset %s, copying again", dstPath, asset.Key)
	}

	if err := files.CopyFile(srcPath, dstPath); err != nil {
		return nil, false, err
	}

	hash, err := files.Sha256File(dstPath)
	if err != nil {
		return nil, false, err
	}
	asset.ContentHash = hash
	asset.RelativePath = filename
	asset.DownloadTime = time.Now()
	return asset, true, nil
}

// ShouldSkip always reports false: an embedded bundle is self-contained and
// every asset it references ships with it.
func (s *EmbeddedSource) ShouldSkip(*store.Asset) bool {
	return false
}
