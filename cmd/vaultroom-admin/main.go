package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/vaultroom/vaultroom/config"
	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/keys"
	"github.com/vaultroom/vaultroom/room"
	"github.com/vaultroom/vaultroom/storage"
)

// A very simple CLI tool for the administration of vaultroom rooms. It
// operates directly on the storage backend, so it needs the same storage
// configuration as the gateway.

var (
	configPath      string
	connectPassword string
	deletePassword  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "vaultroom-admin",
		Short:        "administer vaultroom rooms directly on the storage backend",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")

	roomCmd := &cobra.Command{Use: "room", Short: "room operations"}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "print a summary of the merged room state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectPassword == "" {
				return fmt.Errorf("--connect-password is required")
			}
			svc, err := newService()
			if err != nil {
				return err
			}
			merged, snapshots, err := svc.Fetch(context.Background(), connectPassword)
			if err != nil {
				return err
			}
			if merged == nil {
				return fmt.Errorf("room does not exist")
			}
			present := 0
			for _, snap := range snapshots {
				if snap != nil {
					present++
				}
			}
			fmt.Printf("room:      %s\n", merged.Id)
			fmt.Printf("created:   %s\n", merged.CreatedAt)
			fmt.Printf("updated:   %s\n", merged.UpdatedAt)
			fmt.Printf("messages:  %d\n", len(merged.Messages))
			fmt.Printf("members:   %d\n", len(merged.Members))
			fmt.Printf("snapshots: %d/%d instances hold a copy\n", present, len(snapshots))
			return nil
		},
	}
	infoCmd.Flags().StringVar(&connectPassword, "connect-password", "", "room connect password")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "erase the room's storage entry on every instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deletePassword == "" {
				return fmt.Errorf("--delete-password is required")
			}
			svc, err := newService()
			if err != nil {
				return err
			}
			if err := svc.DeleteWithDeletePassword(context.Background(), deletePassword); err != nil {
				return err
			}
			fmt.Println("room deleted")
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&deletePassword, "delete-password", "", "room delete password")

	purgeCmd := &cobra.Command{
		Use:   "purge-members",
		Short: "write back the merged view with an empty member set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectPassword == "" {
				return fmt.Errorf("--connect-password is required")
			}
			svc, err := newService()
			if err != nil {
				return err
			}
			merged, _, err := svc.Fetch(context.Background(), connectPassword)
			if err != nil {
				return err
			}
			if merged == nil {
				return fmt.Errorf("room does not exist")
			}
			if err := svc.Reconcile(context.Background(), connectPassword, merged); err != nil {
				return err
			}
			fmt.Println("members purged")
			return nil
		},
	}
	purgeCmd.Flags().StringVar(&connectPassword, "connect-password", "", "room connect password")

	roomCmd.AddCommand(infoCmd, deleteCmd, purgeCmd)
	rootCmd.AddCommand(roomCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	storage.CloseShared()
}

func newService() (*room.Service, error) {
	flagSet := config.GetFlagSet()
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}
	store, err := storage.Shared(cfg)
	if err != nil {
		return nil, err
	}
	keyCache, err := keys.NewCache(cfg.StorageConfig.KeyCacheSize)
	if err != nil {
		return nil, err
	}
	return room.NewService(store, keyCache), nil
}
