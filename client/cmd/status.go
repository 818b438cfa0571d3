package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skybundle/skybundle/client/internal/config"
	"github.com/skybundle/skybundle/client/internal/store"
	"github.com/skybundle/skybundle/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "list the updates the catalog knows about",
	RunE:  printStatus,
}

func printStatus(cmd *cobra.Command, args []string) error {
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

	if len(updates) == 0 {
		cmd.Println("No updates in catalog")
		return nil
	}

	scopes := make(map[string]struct{})
	for _, update := range updates {
		assets, err := catalog.GetUpdateAssets(cmd.Context(), update.ID)
		if err != nil {
			return err
		}
		flags := ""
		if update.HasSkippedAssets {
			flags = " (partial by policy)"
		}
		cmd.Printf("%s  scope=%s  runtime=%s  %s  %d assets%s\n",
			update.ID, update.ScopeKey, update.RuntimeVersion, update.Status, len(assets), flags)
		scopes[update.ScopeKey] = struct{}{}
	}

	for scope := range scopes {
		metadata, err := catalog.GetManifestMetadata(cmd.Context(), scope)
		if err != nil {
			return err
		}
		for name, value := range metadata {
			cmd.Printf("scope %s: %s=%s\n", scope, name, value)
		}
	}

	return nil
}
