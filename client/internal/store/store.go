// Package store implements the durable update catalog: which updates the
// device knows about, which assets they reference and where those assets
// live on disk. The loader core only talks to the Store interface; the
// sqlite-backed implementation lives in sql_store.go.
package store

import (
	"context"

	"github.com/google/uuid"
)

type Store interface {
	GetUpdateByID(ctx context.Context, id uuid.UUID) (*Update, error)
	GetAllUpdates(ctx context.Context) ([]*Update, error)
	InsertUpdate(ctx context.Context, update *Update) error
	SetUpdateScopeKey(ctx context.Context, update *Update, scopeKey string) error
	MarkUpdateFinished(ctx context.Context, update *Update, hasSkippedAssets bool) error
	TouchUpdate(ctx context.Context, update *Update) error
	DeleteUpdate(ctx context.Context, id uuid.UUID) error
	DeleteOrphanedAssets(ctx context.Context) ([]*Asset, error)

	GetAssetByKey(ctx context.Context, key string) (*Asset, error)
	GetUpdateAssets(ctx context.Context, id uuid.UUID) ([]*Asset, error)
	MergeAsset(ctx context.Context, existing, incoming *Asset) error
	AssociateExistingAsset(ctx context.Context, update *Update, asset *Asset, isLaunchAsset bool) (bool, error)
	InsertFinishedAssets(ctx context.Context, assets []*Asset, update *Update) error

	SaveManifestMetadata(ctx context.Context, scopeKey string, metadata map[string]string) error
	GetManifestMetadata(ctx context.Context, scopeKey string) (map[string]string, error)

	Close() error
}
