package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skybundle/skybundle/client/internal/config"
	"github.com/skybundle/skybundle/client/internal/loader"
	"github.com/skybundle/skybundle/client/internal/manifest"
	"github.com/skybundle/skybundle/client/internal/store"
	"github.com/skybundle/skybundle/util"
)

var (
	embeddedBundleDir string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "fetch the latest update for the configured scope and download its missing assets",
		RunE:  runUpdatePass,
	}
)

func init() {
	runCmd.Flags().StringVar(&embeddedBundleDir, "embedded-bundle", "",
		"load the update from the app bundle at this directory instead of the update server")
}

func runUpdatePass(cmd *cobra.Command, args []string) error {
	if err := util.InitLog(logLevel, logFile); err != nil {
		return fmt.Errorf("failed initializing log %v", err)
	}

	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	catalog, err := store.NewSqliteStore(cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("failed opening update catalog: %w", err)
	}
	defer func() {
		if cerr := catalog.Close(); cerr != nil {
			log.Warnf("failed closing update catalog: %v", cerr)
		}
	}()

	var l *loader.Loader
	if embeddedBundleDir != "" {
		l = loader.NewEmbedded(cfg, catalog, embeddedBundleDir)
	} else {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		l = loader.NewRemote(cfg, catalog)
	}
	l = l.WithDriftHandler(func(asset *store.Asset) {
		log.Warnf("catalog drift corrected for asset %s", asset.Key)
	})

	result := &runCallback{cmd: cmd}
	l.Start(cmd.Context(), result)
	return result.err
}

type runCallback struct {
	cmd *cobra.Command
	err error
}

func (c *runCallback) OnManifestLoaded(m *manifest.Manifest) bool {
	c.cmd.Printf("Manifest %s (scope %s, %d assets)\n", m.ID, m.ScopeKey, len(m.Assets))
	return true
}

func (c *runCallback) OnAssetLoaded(asset *store.Asset, successCount, failedCount, totalCount int) {
	c.cmd.Printf("Asset %s done (%d ok, %d failed of %d)\n", asset.Key, successCount, failedCount, totalCount)
}

func (c *runCallback) OnSuccess(update *store.Update) {
	if update == nil {
		c.cmd.Println("Nothing to do")
		return
	}
	c.cmd.Printf("Update %s is %s\n", update.ID, update.Status)
}

func (c *runCallback) OnFailure(err error) {
	c.err = err
}
