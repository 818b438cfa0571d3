package store

import (
	"time"

	"github.com/google/uuid"
)

// UpdateStatus represents the lifecycle state of an update in the catalog
type UpdateStatus string

const (
	// UpdateStatusPending is the only non-terminal state: the update has been
	// seen but not all of its assets are verified present yet
	UpdateStatusPending UpdateStatus = "pending"
	// UpdateStatusReady means all required assets are verified present
	UpdateStatusReady UpdateStatus = "ready"
	// UpdateStatusEmbedded marks updates materialized from the app bundle
	// shipped with the binary rather than downloaded
	UpdateStatusEmbedded UpdateStatus = "embedded"
)

// Terminal reports whether the status can no longer regress.
func (s UpdateStatus) Terminal() bool {
	return s == UpdateStatusReady || s == UpdateStatusEmbedded
}

// Update identifies one candidate version of the app bundle. The ID is
// assigned by the manifest author, never generated on the device.
type Update struct {
	ID               uuid.UUID    `gorm:"primaryKey"`
	ScopeKey         string       `gorm:"index"`
	RuntimeVersion   string
	CreatedAt        time.Time
	Status           UpdateStatus `gorm:"index"`
	HasSkippedAssets bool
	LaunchAssetKey   string
	LastAccessedAt   time.Time
}

// Asset identifies one binary resource. An asset row is a catalog-wide
// singleton keyed by Key; multiple updates may reference the same row
// through the update_assets join table.
type Asset struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Key           string `gorm:"uniqueIndex"`
	URL           string
	FileExtension string
	ContentHash   []byte
	// RelativePath is the on-disk location below the updates directory,
	// empty until the asset has been materialized
	RelativePath  string
	IsLaunchAsset bool
	DownloadTime  time.Time
}

// UpdateAsset is the many-to-many association between updates and assets
type UpdateAsset struct {
	UpdateID uuid.UUID `gorm:"primaryKey"`
	AssetID  uint      `gorm:"primaryKey"`
}

// ManifestMetadata persists server-advertised configuration delivered
// alongside a manifest, keyed per scope
type ManifestMetadata struct {
	ScopeKey string `gorm:"primaryKey"`
	Name     string `gorm:"primaryKey"`
	Value    string
}
