package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skybundle/skybundle/client/internal/config"
	"github.com/skybundle/skybundle/client/internal/store"
	"github.com/skybundle/skybundle/util"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "drop interrupted updates and remove assets nothing references anymore",
	RunE:  cleanCatalog,
}

func cleanCatalog(cmd *cobra.Command, args []string) error {
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

	updates, err := catalog.GetAllUpdates(cmd.Context())
	if err != nil {
		return err
	}

	removed := 0
	for _, update := range updates {
		if update.Status.Terminal() {
			continue
		}
		if err := catalog.DeleteUpdate(cmd.Context(), update.ID); err != nil {
			return err
		}
		removed++
	}

	orphans, err := catalog.DeleteOrphanedAssets(cmd.Context())
	if err != nil {
		return err
	}
	for _, asset := range orphans {
		if asset.RelativePath == "" {
			continue
		}
		path := filepath.Join(cfg.UpdatesDir(), asset.RelativePath)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("failed to remove orphaned asset file %s: %v", path, err)
		}
	}

	cmd.Printf("Removed %d pending updates and %d orphaned assets\n", removed, len(orphans))
	return nil
}
