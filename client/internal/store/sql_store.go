package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/skybundle/skybundle/client/internal/status"
)

const (
	storeFileName = "catalog.db"
)

// SqlStore is the update catalog backed by a SQLite DB persisted to disk
type SqlStore struct {
	db *gorm.DB
}

// NewSqlStore creates a new SqlStore instance on top of an open gorm DB.
func NewSqlStore(db *gorm.DB) (*SqlStore, error) {
	err := db.AutoMigrate(
		&Update{}, &Asset{}, &UpdateAsset{}, &ManifestMetadata{},
	)
	if err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SqlStore{db: db}, nil
}

// NewSqliteStore creates a new SQLite store located in dataDir.
func NewSqliteStore(dataDir string) (*SqlStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	file := filepath.Join(dataDir, storeFileName)
	db, err := gorm.Open(sqlite.Open(file+"?cache=shared"), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", file, err)
	}

	sql, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writes; a single connection avoids SQLITE_BUSY under
	// concurrent asset completions
	sql.SetMaxOpenConns(1)

	return NewSqlStore(db)
}

func (s *SqlStore) GetUpdateByID(ctx context.Context, id uuid.UUID) (*Update, error) {
	var update Update
	result := s.db.WithContext(ctx).First(&update, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewUpdateNotFoundError(id.String())
		}
		return nil, status.Errorf(status.Internal, "failed to get update from store: %v", result.Error)
	}

	return &update, nil
}

func (s *SqlStore) GetAllUpdates(ctx context.Context) ([]*Update, error) {
	var updates []*Update
	result := s.db.WithContext(ctx).Order("created_at desc").Find(&updates)
	if result.Error != nil {
		return nil, status.Errorf(status.Internal, "failed to get updates from store: %v", result.Error)
	}

	return updates, nil
}

func (s *SqlStore) InsertUpdate(ctx context.Context, update *Update) error {
	if update.Status == "" {
		update.Status = UpdateStatusPending
	}
	if update.LastAccessedAt.IsZero() {
		update.LastAccessedAt = time.Now()
	}

	result := s.db.WithContext(ctx).Create(update)
	if result.Error != nil {
		return status.Errorf(status.Internal, "failed to insert update to store: %v", result.Error)
	}

	return nil
}

func (s *SqlStore) SetUpdateScopeKey(ctx context.Context, update *Update, scopeKey string) error {
	result := s.db.WithContext(ctx).Model(&Update{}).
		Where("id = ?", update.ID).
		Update("scope_key", scopeKey)
	if result.Error != nil {
		return status.Errorf(status.Internal, "failed to set update scope key: %v", result.Error)
	}

	update.ScopeKey = scopeKey
	return nil
}

// MarkUpdateFinished promotes a pending update to ready. Updates already in
// a terminal state (ready, embedded) keep their status; the skipped-assets
// flag is refreshed either way.
func (s *SqlStore) MarkUpdateFinished(ctx context.Context, update *Update, hasSkippedAssets bool) error {
	newStatus := update.Status
	if !newStatus.Terminal() {
		newStatus = UpdateStatusReady
	}

	result := s.db.WithContext(ctx).Model(&Update{}).
		Where("id = ?", update.ID).
		Updates(map[string]interface{}{
			"status":             newStatus,
			"has_skipped_assets": hasSkippedAssets,
			"last_accessed_at":   time.Now(),
		})
	if result.Error != nil {
		return status.Errorf(status.Internal, "failed to mark update finished: %v", result.Error)
	}

	update.Status = newStatus
	update.HasSkippedAssets = hasSkippedAssets
	return nil
}

func (s *SqlStore) TouchUpdate(ctx context.Context, update *Update) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Update{}).
		Where("id = ?", update.ID).
		Update("last_accessed_at", now)
	if result.Error != nil {
		return status.Errorf(status.Internal, "failed to touch update: %v", result.Error)
	}

	update.LastAccessedAt = now
	return nil
}

func (s *SqlStore) DeleteUpdate(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&UpdateAsset{}, "update_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Update{}, "id = ?", id).Error
	})
	if err != nil {
		return status.Errorf(status.Internal, "failed to delete update: %v", err)
	}

	return nil
}

// DeleteOrphanedAssets removes asset rows no update references anymore and
// returns them so the caller can unlink the files on disk.
func (s *SqlStore) DeleteOrphanedAssets(ctx context.Context) ([]*Asset, error) {
	var orphans []*Asset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referenced := tx.Session(&gorm.Session{NewDB: true}).Model(&UpdateAsset{}).Select("asset_id")
		if err := tx.Where("id NOT IN (?)", referenced).Find(&orphans).Error; err != nil {
			return err
		}
		if len(orphans) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(orphans))
		for _, orphan := range orphans {
			ids = append(ids, orphan.ID)
		}
		return tx.Delete(&Asset{}, "id IN (?)", ids).Error
	})
	if err != nil {
		return nil, status.Errorf(status.Internal, "failed to delete orphaned assets: %v", err)
	}

	return orphans, nil
}

func (s *SqlStore) GetAssetByKey(ctx context.Context, key string) (*Asset, error) {
	var asset Asset
	result := s.db.WithContext(ctx).First(&asset, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewAssetNotFoundError(key)
		}
		return nil, status.Errorf(status.Internal, "failed to get asset from store: %v", result.Error)
	}

	return &asset, nil
}

func (s *SqlStore) GetUpdateAssets(ctx context.Context, id uuid.UUID) ([]*Asset, error) {
	var assets []*Asset
	result := s.db.WithContext(ctx).
		Joins("JOIN update_assets ON update_assets.asset_id = assets.id").
		Where("update_assets.update_id = ?", id).
		Find(&assets)
	if result.Error != nil {
		return nil, status.Errorf(status.Internal, "failed to get update assets from store: %v", result.Error)
	}

	return assets, nil
}

// MergeAsset folds the incoming asset's metadata into the existing catalog
// row. The key of the existing row stays authoritative; hash, URL, path and
// download time are taken from whichever side has them.
func (s *SqlStore) MergeAsset(ctx context.Context, existing, incoming *Asset) error {
	if len(existing.ContentHash) == 0 {
		existing.ContentHash = incoming.ContentHash
	}
	if existing.URL == "" {
		existing.URL = incoming.URL
	}
	if existing.FileExtension == "" {
		existing.FileExtension = incoming.FileExtension
	}
	if existing.RelativePath == "" {
		existing.RelativePath = incoming.RelativePath
	}
	if existing.DownloadTime.IsZero() {
		existing.DownloadTime = incoming.DownloadTime
	}
	existing.IsLaunchAsset = existing.IsLaunchAsset || incoming.IsLaunchAsset

	result := s.db.WithContext(ctx).Save(existing)
	if result.Error != nil {
		return status.Errorf(status.Internal, "failed to merge asset %s: %v", existing.Key, result.Error)
	}

	return nil
}

// AssociateExistingAsset links an asset that is expected to already be in
// the catalog to the given update. It returns false when no row with the
// asset's key exists, which signals the catalog and the filesystem have
// drifted apart and the caller needs to re-derive the record.
func (s *SqlStore) AssociateExistingAsset(ctx context.Context, update *Update, asset *Asset, isLaunchAsset bool) (bool, error) {
	var existing Asset
	result := s.db.WithContext(ctx).First(&existing, "key = ?", asset.Key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, status.Errorf(status.Internal, "failed to look up asset %s: %v", asset.Key, result.Error)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link := &UpdateAsset{UpdateID: update.ID, AssetID: existing.ID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
			return err
		}
		if isLaunchAsset && !existing.IsLaunchAsset {
			return tx.Model(&Asset{}).Where("id = ?", existing.ID).Update("is_launch_asset", true).Error
		}
		return nil
	})
	if err != nil {
		return false, status.Errorf(status.Internal, "failed to associate asset %s with update %s: %v", asset.Key, update.ID, err)
	}

	asset.ID = existing.ID
	return true, nil
}

// InsertFinishedAssets persists freshly materialized assets and associates
// them with the update in a single transaction. Assets whose key is already
// in the catalog are merged into the existing row instead of duplicated.
func (s *SqlStore) InsertFinishedAssets(ctx context.Context, assets []*Asset, update *Update) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, asset := range assets {
			var existing Asset
			result := tx.First(&existing, "key = ?", asset.Key)
			switch {
			case result.Error == nil:
				asset.ID = existing.ID
				if err := tx.Save(asset).Error; err != nil {
					return fmt.Errorf("update asset %s: %w", asset.Key, err)
				}
			case errors.Is(result.Error, gorm.ErrRecordNotFound):
				if err := tx.Create(asset).Error; err != nil {
					return fmt.Errorf("insert asset %s: %w", asset.Key, err)
				}
			default:
				return fmt.Errorf("look up asset %s: %w", asset.Key, result.Error)
			}

			link := &UpdateAsset{UpdateID: update.ID, AssetID: asset.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
				return fmt.Errorf("associate asset %s: %w", asset.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return status.Errorf(status.Internal, "failed to insert finished assets: %v", err)
	}

	return nil
}

func (s *SqlStore) SaveManifestMetadata(ctx context.Context, scopeKey string, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}

	rows := make([]*ManifestMetadata, 0, len(metadata))
	for name, value := range metadata {
		rows = append(rows, &ManifestMetadata{ScopeKey: scopeKey, Name: name, Value: value})
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rows)
	if result.Error != nil {
		return status.Errorf(status.Internal, "failed to save manifest metadata: %v", result.Error)
	}

	return nil
}

func (s *SqlStore) GetManifestMetadata(ctx context.Context, scopeKey string) (map[string]string, error) {
	var rows []*ManifestMetadata
	result := s.db.WithContext(ctx).Find(&rows, "scope_key = ?", scopeKey)
	if result.Error != nil {
		return nil, status.Errorf(status.Internal, "failed to get manifest metadata: %v", result.Error)
	}

	metadata := make(map[string]string, len(rows))
	for _, row := range rows {
		metadata[row.Name] = row.Value
	}

	return metadata, nil
}

// Close closes the underlying DB connection
func (s *SqlStore) Close() error {
	sql, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get db: %w", err)
	}
	if err := sql.Close(); err != nil {
		log.Warnf("error closing catalog db: %v", err)
		return err
	}
	return nil
}
