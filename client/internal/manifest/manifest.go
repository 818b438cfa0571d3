// Package manifest parses and validates the server-declared description of
// an update: its identifier, scope, mode flag and the list of assets it
// requires.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"

	"github.com/skybundle/skybundle/client/internal/store"
)

// Manifest describes one update the server advertises. Asset records are
// already in catalog shape; the launch asset is always the first entry of
// Assets and carries the IsLaunchAsset flag.
type Manifest struct {
	ID              uuid.UUID
	ScopeKey        string
	RuntimeVersion  string
	CreatedAt       time.Time
	DevelopmentMode bool
	Assets          []*store.Asset
	// Metadata carries server-advertised configuration delivered alongside
	// the manifest, persisted to the catalog on every successful run
	Metadata map[string]string
}

type assetJSON struct {
	Key           string `json:"key"`
	URL           string `json:"url"`
	Hash          string `json:"hash,omitempty"`
	FileExtension string `json:"fileExtension,omitempty"`
}

type manifestJSON struct {
	ID              string            `json:"id"`
	ScopeKey        string            `json:"scopeKey"`
	RuntimeVersion  string            `json:"runtimeVersion"`
	CreatedAt       time.Time         `json:"createdAt"`
	DevelopmentMode bool              `json:"developmentMode,omitempty"`
	LaunchAsset     *assetJSON        `json:"launchAsset"`
	Assets          []*assetJSON      `json:"assets"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Parse decodes and validates a manifest from its JSON wire form.
func Parse(data []byte) (*Manifest, error) {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	if raw.ID == "" {
		return nil, fmt.Errorf("manifest is missing an id")
	}
	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest id %q: %w", raw.ID, err)
	}
	if raw.ScopeKey == "" {
		return nil, fmt.Errorf("manifest %s is missing a scope key", raw.ID)
	}
	if raw.RuntimeVersion == "" {
		return nil, fmt.Errorf("manifest %s is missing a runtime version", raw.ID)
	}
	if raw.LaunchAsset == nil && !raw.DevelopmentMode {
		return nil, fmt.Errorf("manifest %s is missing a launch asset", raw.ID)
	}

	m := &Manifest{
		ID:              id,
		ScopeKey:        raw.ScopeKey,
		RuntimeVersion:  raw.RuntimeVersion,
		CreatedAt:       raw.CreatedAt,
		DevelopmentMode: raw.DevelopmentMode,
		Metadata:        raw.Metadata,
	}

	if raw.LaunchAsset != nil {
		launch, err := parseAsset(raw.LaunchAsset, true)
		if err != nil {
			return nil, err
		}
		m.Assets = append(m.Assets, launch)
	}
	for _, a := range raw.Assets {
		asset, err := parseAsset(a, false)
		if err != nil {
			return nil, err
		}
		m.Assets = append(m.Assets, asset)
	}

	return m, nil
}

func parseAsset(raw *assetJSON, isLaunchAsset bool) (*store.Asset, error) {
	if raw.Key == "" {
		return nil, fmt.Errorf("manifest asset is missing a key")
	}
	if raw.URL == "" {
		return nil, fmt.Errorf("manifest asset %s is missing a url", raw.Key)
	}

	var hash []byte
	if raw.Hash != "" {
		var err error
		hash, err = base64.RawURLEncoding.DecodeString(raw.Hash)
		if err != nil {
			return nil, fmt.Errorf("invalid hash for asset %s: %w", raw.Key, err)
		}
	}

	return &store.Asset{
		Key:           raw.Key,
		URL:           raw.URL,
		ContentHash:   hash,
		FileExtension: raw.FileExtension,
		IsLaunchAsset: isLaunchAsset,
	}, nil
}

// LaunchAssetKey returns the key of the asset designated as entry point, or
// an empty string for a development-mode manifest without one.
func (m *Manifest) LaunchAssetKey() string {
	for _, a := range m.Assets {
		if a.IsLaunchAsset {
			return a.Key
		}
	}
	return ""
}

// UpdateRecord builds the catalog record for this manifest. New records
// start out pending; the loader promotes them once all assets are verified.
func (m *Manifest) UpdateRecord() *store.Update {
	return &store.Update{
		ID:             m.ID,
		ScopeKey:       m.ScopeKey,
		RuntimeVersion: m.RuntimeVersion,
		CreatedAt:      m.CreatedAt,
		Status:         store.UpdateStatusPending,
		LaunchAssetKey: m.LaunchAssetKey(),
	}
}

// CompatibleWith reports whether the manifest targets the runtime version
// the installed app exposes. Versions are compared semantically when both
// sides parse, with a string comparison fallback for opaque version names.
func (m *Manifest) CompatibleWith(runtimeVersion string) error {
	mv, merr := goversion.NewVersion(m.RuntimeVersion)
	rv, rerr := goversion.NewVersion(runtimeVersion)
	if merr != nil || rerr != nil {
		if m.RuntimeVersion == runtimeVersion {
			return nil
		}
		return fmt.Errorf("manifest %s targets runtime %q, device runs %q", m.ID, m.RuntimeVersion, runtimeVersion)
	}

	if !mv.Equal(rv) {
		return fmt.Errorf("manifest %s targets runtime %s, device runs %s", m.ID, mv, rv)
	}
	return nil
}
