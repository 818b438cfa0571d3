// Package loader drives a single over-the-air update pass: fetch a
// manifest, reconcile it against the catalog and the filesystem, download
// whatever is missing concurrently and durably commit the result so a ready
// update can later be launched.
package loader

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	cerrors "github.com/skybundle/skybundle/client/errors"
	"github.com/skybundle/skybundle/client/internal/config"
	"github.com/skybundle/skybundle/client/internal/files"
	"github.com/skybundle/skybundle/client/internal/manifest"
	"github.com/skybundle/skybundle/client/internal/status"
	"github.com/skybundle/skybundle/client/internal/store"
)

// Callback receives the outcome of an update run.
type Callback interface {
	// OnFailure is called once when the run fails as a whole
	OnFailure(err error)

	// OnSuccess is called once when the run succeeds. The update is nil when
	// the manifest decision hook declined the manifest and the run was a
	// no-op.
	OnSuccess(update *store.Update)

	// OnAssetLoaded is called whenever an asset has either been loaded
	// successfully or failed to load. successCount includes assets found to
	// already exist on disk.
	OnAssetLoaded(asset *store.Asset, successCount, failedCount, totalCount int)

	// OnManifestLoaded is called once a manifest has been fetched. Returning
	// false makes the loader stop without touching the catalog's update
	// records, e.g. because an equivalent update is already downloaded.
	OnManifestLoaded(m *manifest.Manifest) bool
}

// Source supplies the transport-specific pieces of an update run: where the
// manifest comes from, how an asset's bytes reach the updates directory and
// which assets are out of scope for fetching.
type Source interface {
	FetchManifest(ctx context.Context, cfg *config.Config) (*manifest.Manifest, error)

	// FetchAsset materializes one asset below dstDir. It returns the asset
	// carrying its on-disk location and whether the content was newly
	// transferred, as opposed to found already present.
	FetchAsset(ctx context.Context, asset *store.Asset, dstDir string) (result *store.Asset, isNew bool, err error)

	// ShouldSkip declares an asset out of scope for fetching; skipped assets
	// are never looked up or transferred
	ShouldSkip(asset *store.Asset) bool
}

// DriftFunc observes catalog/filesystem desync corrections during finalize,
// so operators can track how often the two drift apart.
type DriftFunc func(asset *store.Asset)

type assetLoadResult int

const (
	assetFinished assetLoadResult = iota
	assetAlreadyExists
	assetErrored
	assetSkipped
)

// Loader runs one update pass. An instance is single-use: construct a new
// one for every run.
type Loader struct {
	cfg        *config.Config
	catalog    store.Store
	source     Source
	updatesDir string
	embedded   bool
	onDrift    DriftFunc

	// mu guards everything below: the buckets, the run lifecycle and the
	// finalize trigger form one shared mutable region, so concurrent asset
	// completions can neither race on the termination condition nor trigger
	// finalize twice
	mu             sync.Mutex
	started        bool
	finished       bool
	done           chan struct{}
	callback       Callback
	man            *manifest.Manifest
	update         *store.Update
	assetTotal     int
	erroredAssets  []*store.Asset
	skippedAssets  []*store.Asset
	existingAssets []*store.Asset
	finishedAssets []*store.Asset
	assetErrs      *multierror.Error
}

// New returns a loader bound to the given catalog and source.
func New(cfg *config.Config, catalog store.Store, source Source) *Loader {
	return &Loader{
		cfg:        cfg,
		catalog:    catalog,
		source:     source,
		updatesDir: cfg.UpdatesDir(),
	}
}

// NewRemote returns a loader that fetches manifest and assets from the
// update server configured in cfg.
func NewRemote(cfg *config.Config, catalog store.Store) *Loader {
	return New(cfg, catalog, NewRemoteSource(cfg))
}

// NewEmbedded returns a loader that materializes the update shipped inside
// the app bundle at bundleDir. Updates it commits are marked embedded.
func NewEmbedded(cfg *config.Config, catalog store.Store, bundleDir string) *Loader {
	l := New(cfg, catalog, NewEmbeddedSource(bundleDir))
	l.embedded = true
	return l
}

// WithDriftHandler installs an observer for catalog/filesystem desync
// corrections.
func (l *Loader) WithDriftHandler(fn DriftFunc) *Loader {
	l.onDrift = fn
	return l
}

// Start runs the update pass and blocks until exactly one terminal callback
// (OnFailure or OnSuccess) has been delivered. Callbacks are invoked from
// the loader's critical section and must not call back into the loader.
// Starting a loader a second time fails immediately with a usage error and
// leaves the in-flight run unaffected.
func (l *Loader) Start(ctx context.Context, callback Callback) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		callback.OnFailure(status.Errorf(status.AlreadyStarted,
			"loader has already started; create a new instance in order to load multiple updates in parallel"))
		return
	}
	l.started = true
	l.callback = callback
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.run(ctx)
	<-l.done
}

func (l *Loader) run(ctx context.Context) {
	m, err := l.source.FetchManifest(ctx, l.cfg)
	if err != nil {
		l.mu.Lock()
		l.finishWithErrorLocked(ctx, fmt.Errorf("failed to load manifest: %w", err))
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.man = m
	l.mu.Unlock()

	if !l.callback.OnManifestLoaded(m) {
		log.Debugf("caller declined manifest %s, finishing without an update", m.ID)
		l.mu.Lock()
		l.update = nil
		l.finishWithSuccessLocked(ctx)
		l.mu.Unlock()
		return
	}

	l.processManifest(ctx, m)
}

// processManifest reconciles the manifest against the catalog's update
// records and kicks off asset work where needed.
func (l *Loader) processManifest(ctx context.Context, m *manifest.Manifest) {
	if m.DevelopmentMode {
		// record the update but don't touch any assets; a development
		// runtime manages its own resources
		l.processDevelopmentManifest(ctx, m)
		return
	}

	newUpdate := m.UpdateRecord()
	existing, err := l.catalog.GetUpdateByID(ctx, m.ID)
	if err != nil && !isNotFound(err) {
		l.mu.Lock()
		l.finishWithErrorLocked(ctx, fmt.Errorf("failed to look up update %s: %w", m.ID, err))
		l.mu.Unlock()
		return
	}

	// two updates with the same id but different scope keys is a server-side
	// anomaly; overwrite the stored scope key and keep going rather than
	// surface a cryptic error on the device
	if existing != nil && existing.ScopeKey != newUpdate.ScopeKey {
		log.Errorf("loaded an update with the same ID but a different scope key than one already in the catalog; "+
			"this is a server error, overwriting the scope key of update %s", m.ID)
		if err := l.catalog.SetUpdateScopeKey(ctx, existing, newUpdate.ScopeKey); err != nil {
			l.mu.Lock()
			l.finishWithErrorLocked(ctx, fmt.Errorf("failed to overwrite scope key of update %s: %w", m.ID, err))
			l.mu.Unlock()
			return
		}
	}

	if existing != nil && existing.Status.Terminal() {
		// the update is already downloaded and ready to go
		log.Debugf("update %s is already %s, nothing to load", existing.ID, existing.Status)
		if err := l.catalog.TouchUpdate(ctx, existing); err != nil {
			log.Warnf("failed to record access to update %s: %v", existing.ID, err)
		}
		l.mu.Lock()
		l.update = existing
		l.finishWithSuccessLocked(ctx)
		l.mu.Unlock()
		return
	}

	if existing == nil {
		if err := l.catalog.InsertUpdate(ctx, newUpdate); err != nil {
			l.mu.Lock()
			l.finishWithErrorLocked(ctx, fmt.Errorf("failed to insert update %s: %w", m.ID, err))
			l.mu.Unlock()
			return
		}
		l.mu.Lock()
		l.update = newUpdate
		l.mu.Unlock()
	} else {
		// a previous run was interrupted; reuse the record and re-reconcile
		// every asset, including ones already materialized
		l.mu.Lock()
		l.update = existing
		l.mu.Unlock()
	}

	l.downloadAllAssets(ctx, m.Assets)
}

func (l *Loader) processDevelopmentManifest(ctx context.Context, m *manifest.Manifest) {
	update, err := l.catalog.GetUpdateByID(ctx, m.ID)
	if err != nil {
		if !isNotFound(err) {
			l.mu.Lock()
			l.finishWithErrorLocked(ctx, fmt.Errorf("failed to look up update %s: %w", m.ID, err))
			l.mu.Unlock()
			return
		}
		update = m.UpdateRecord()
		if err := l.catalog.InsertUpdate(ctx, update); err != nil {
			l.mu.Lock()
			l.finishWithErrorLocked(ctx, fmt.Errorf("failed to insert update %s: %w", m.ID, err))
			l.mu.Unlock()
			return
		}
	}

	if err := l.catalog.MarkUpdateFinished(ctx, update, false); err != nil {
		l.mu.Lock()
		l.finishWithErrorLocked(ctx, fmt.Errorf("failed to mark update %s finished: %w", m.ID, err))
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.update = update
	l.finishWithSuccessLocked(ctx)
	l.mu.Unlock()
}

// downloadAllAssets fans out every asset independently. Completion order is
// arbitrary; the join lives in handleAssetCompleted.
func (l *Loader) downloadAllAssets(ctx context.Context, assets []*store.Asset) {
	l.mu.Lock()
	l.assetTotal = len(assets)

	if len(assets) == 0 {
		// no completion event will ever fire, so the join condition below
		// can never trigger; finalize right away
		l.finalizeLocked(ctx)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	for _, asset := range assets {
		go l.loadAsset(ctx, asset)
	}
}

// loadAsset resolves one asset into exactly one of the four buckets.
func (l *Loader) loadAsset(ctx context.Context, asset *store.Asset) {
	if l.source.ShouldSkip(asset) {
		l.handleAssetCompleted(ctx, asset, assetSkipped, nil)
		return
	}

	existing, err := l.catalog.GetAssetByKey(ctx, asset.Key)
	switch {
	case err == nil:
		if mergeErr := l.catalog.MergeAsset(ctx, existing, asset); mergeErr != nil {
			l.handleAssetCompleted(ctx, asset, assetErrored, mergeErr)
			return
		}
		asset = existing
	case !isNotFound(err):
		l.handleAssetCompleted(ctx, asset, assetErrored, err)
		return
	}

	// if a local copy is already materialized, don't transfer it again
	if asset.RelativePath != "" && files.Exists(filepath.Join(l.updatesDir, asset.RelativePath)) {
		l.handleAssetCompleted(ctx, asset, assetAlreadyExists, nil)
		return
	}

	result, isNew, err := l.source.FetchAsset(ctx, asset, l.updatesDir)
	if err != nil {
		log.Errorf("failed to load asset with %s: %v", assetIdentifier(asset), err)
		l.handleAssetCompleted(ctx, asset, assetErrored, err)
		return
	}
	if isNew {
		l.handleAssetCompleted(ctx, result, assetFinished, nil)
	} else {
		l.handleAssetCompleted(ctx, result, assetAlreadyExists, nil)
	}
}

// handleAssetCompleted is the single critical section every asset outcome
// routes through: it buckets the asset, reports progress and checks whether
// this was the completion that opens the join barrier.
func (l *Loader) handleAssetCompleted(ctx context.Context, asset *store.Asset, result assetLoadResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finished {
		log.Errorf("asset %s completed after the run already finished", asset.Key)
		return
	}

	switch result {
	case assetFinished:
		l.finishedAssets = append(l.finishedAssets, asset)
	case assetAlreadyExists:
		l.existingAssets = append(l.existingAssets, asset)
	case assetErrored:
		l.erroredAssets = append(l.erroredAssets, asset)
		l.assetErrs = multierror.Append(l.assetErrs, fmt.Errorf("asset with %s: %w", assetIdentifier(asset), err))
	case assetSkipped:
		l.skippedAssets = append(l.skippedAssets, asset)
	}

	l.callback.OnAssetLoaded(asset,
		len(l.finishedAssets)+len(l.existingAssets), len(l.erroredAssets), l.assetTotal)

	if len(l.finishedAssets)+len(l.erroredAssets)+len(l.existingAssets)+len(l.skippedAssets) == l.assetTotal {
		l.finalizeLocked(ctx)
	}
}

// finalizeLocked commits the aggregated result to the catalog. It runs at
// most once, inside the same critical section as the join check. Callers
// must hold l.mu.
func (l *Loader) finalizeLocked(ctx context.Context) {
	for _, asset := range l.existingAssets {
		found, err := l.catalog.AssociateExistingAsset(ctx, l.update, asset, asset.IsLaunchAsset)
		if err != nil {
			l.finishWithErrorLocked(ctx, fmt.Errorf("error while committing update %s to catalog: %w", l.update.ID, err))
			return
		}
		if !found {
			// the catalog and the filesystem have gotten out of sync: a file
			// exists on disk but no row could be linked. Re-derive the record
			// from disk instead of failing the run.
			log.Warnf("asset %s exists on disk but not in the catalog, re-deriving its record", asset.Key)
			hash, hashErr := files.Sha256File(filepath.Join(l.updatesDir, asset.RelativePath))
			if hashErr != nil {
				log.Warnf("failed to re-hash asset %s: %v", asset.Key, hashErr)
			} else {
				asset.ContentHash = hash
			}
			asset.DownloadTime = time.Now()
			l.finishedAssets = append(l.finishedAssets, asset)
			if l.onDrift != nil {
				l.onDrift(asset)
			}
		}
	}

	// persist everything fetched so far even when some assets errored, so an
	// interrupted update resumes instead of starting over
	if err := l.catalog.InsertFinishedAssets(ctx, l.finishedAssets, l.update); err != nil {
		l.finishWithErrorLocked(ctx, fmt.Errorf("error while persisting assets of update %s: %w", l.update.ID, err))
		return
	}

	if len(l.erroredAssets) > 0 {
		l.finishWithErrorLocked(ctx, cerrors.FormatErrorOrNil(l.assetErrs))
		return
	}

	if l.embedded {
		l.update.Status = store.UpdateStatusEmbedded
	}
	if err := l.catalog.MarkUpdateFinished(ctx, l.update, len(l.skippedAssets) != 0); err != nil {
		l.finishWithErrorLocked(ctx, fmt.Errorf("error while marking update %s finished: %w", l.update.ID, err))
		return
	}

	l.finishWithSuccessLocked(ctx)
}

func (l *Loader) finishWithSuccessLocked(ctx context.Context) {
	if l.finished || l.callback == nil {
		log.Errorf("loader tried to finish but it already finished or was never started")
		return
	}

	// persist server-advertised configuration before announcing success;
	// this runs even when the manifest decision resulted in a no-op update
	if l.man != nil && len(l.man.Metadata) > 0 {
		if err := l.catalog.SaveManifestMetadata(ctx, l.man.ScopeKey, l.man.Metadata); err != nil {
			l.finishWithErrorLocked(ctx, fmt.Errorf("failed to save manifest metadata: %w", err))
			return
		}
	}

	callback := l.callback
	update := l.update
	l.resetLocked()
	callback.OnSuccess(update)
	close(l.done)
}

func (l *Loader) finishWithErrorLocked(ctx context.Context, err error) {
	if l.finished || l.callback == nil {
		log.Errorf("loader tried to finish but it already finished or was never started")
		return
	}
	log.Errorf("update run failed: %v", err)

	callback := l.callback
	l.resetLocked()
	callback.OnFailure(err)
	close(l.done)
}

// resetLocked releases the aggregation state once a run reached a terminal
// state. The loader itself stays consumed; a fresh instance is required for
// another run.
func (l *Loader) resetLocked() {
	l.finished = true
	l.callback = nil
	l.update = nil
	l.man = nil
	l.assetTotal = 0
	l.erroredAssets = nil
	l.skippedAssets = nil
	l.existingAssets = nil
	l.finishedAssets = nil
	l.assetErrs = nil
}

func assetIdentifier(asset *store.Asset) string {
	if len(asset.ContentHash) > 0 {
		return "hash " + hex.EncodeToString(asset.ContentHash)
	}
	return "key " + asset.Key
}

func isNotFound(err error) bool {
	if e, ok := status.FromError(err); ok && e != nil {
		return e.Type() == status.NotFound
	}
	return false
}
