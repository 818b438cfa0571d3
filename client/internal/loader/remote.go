package loader

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skybundle/skybundle/client/internal/config"
	"github.com/skybundle/skybundle/client/internal/downloader"
	"github.com/skybundle/skybundle/client/internal/files"
	"github.com/skybundle/skybundle/client/internal/manifest"
	"github.com/skybundle/skybundle/client/internal/store"
)

// manifests are small JSON documents; anything bigger is a server error
const maxManifestSize = 4 << 20 // 4 MB

// RemoteSource fetches the manifest and asset bytes from the update server
// configured in the client config.
type RemoteSource struct {
	cfg      *config.Config
	skipKeys map[string]struct{}
}

// NewRemoteSource returns a RemoteSource honoring the config's skip list.
func NewRemoteSource(cfg *config.Config) *RemoteSource {
	skipKeys := make(map[string]struct{}, len(cfg.SkipAssetKeys))
	for _, key := range cfg.SkipAssetKeys {
		skipKeys[key] = struct{}{}
	}

	return &RemoteSource{
		cfg:      cfg,
		skipKeys: skipKeys,
	}
}

func (s *RemoteSource) FetchManifest(ctx context.Context, cfg *config.Config) (*manifest.Manifest, error) {
	reqURL, err := manifestURL(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	data, err := downloader.DownloadToMemoryWithBackoff(ctx, reqURL, maxManifestSize)
	if err != nil {
		return nil, fmt.Errorf("failed to download manifest from %s: %w", reqURL, err)
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

	log.Debugf("fetched manifest %s (scope %s, %d assets)", m.ID, m.ScopeKey, len(m.Assets))
	return m, nil
}

func (s *RemoteSource) FetchAsset(ctx context.Context, asset *store.Asset, dstDir string) (*store.Asset, bool, error) {
	filename := assetFilename(asset)
	dstPath := filepath.Join(dstDir, filename)

	// the destination may already hold the content under this name, e.g.
	// written by an earlier run the catalog never heard about
	if files.Exists(dstPath) {
		if err := verifyAsset(asset, dstPath); err == nil {
			asset.RelativePath = filename
			return asset, false, nil
		}
		log.Debugf("file at %s does not match asset %s, downloading again", dstPath, asset.Key)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if err := downloader.DownloadToFile(ctx, asset.URL, dstPath); err != nil {
		return nil, false, err
	}

	hash, err := files.Sha256File(dstPath)
	if err != nil {
		return nil, false, err
	}
	if len(asset.ContentHash) > 0 && !bytes.Equal(asset.ContentHash, hash) {
		return nil, false, fmt.Errorf("downloaded asset %s has hash %s, manifest declares %s",
			asset.Key, hex.EncodeToString(hash), hex.EncodeToString(asset.ContentHash))
	}

	asset.ContentHash = hash
	asset.RelativePath = filename
	asset.DownloadTime = time.Now()
	return asset, true, nil
}

func (s *RemoteSource) ShouldSkip(asset *store.Asset) bool {
	_, ok := s.skipKeys[asset.Key]
	return ok
}

func manifestURL(cfg *config.Config) (string, error) {
	u, err := url.Parse(cfg.UpdateURL)
	if err != nil {
		return "", fmt.Errorf("invalid update URL %q: %w", cfg.UpdateURL, err)
	}

	q := u.Query()
	q.Set("scopeKey", cfg.ScopeKey)
	if cfg.RuntimeVersion != "" {
		q.Set("runtimeVersion", cfg.RuntimeVersion)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// assetFilename derives the on-disk name of an asset from its catalog key.
func assetFilename(asset *store.Asset) string {
	ext := asset.FileExtension
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	return asset.Key + ext
}

// verifyAsset checks a file on disk against the hash the manifest declares
// for the asset. Assets without a declared hash are accepted as-is.
func verifyAsset(asset *store.Asset, path string) error {
	if len(asset.ContentHash) == 0 {
		return nil
	}

	hash, err := files.Sha256File(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(asset.ContentHash, hash) {
		return fmt.Errorf("file at %s has hash %s, manifest declares %s",
			path, hex.EncodeToString(hash), hex.EncodeToString(asset.ContentHash))
	}

	return nil
}
