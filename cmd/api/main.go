package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pedro-meseguer/xai-business/internal/auth"
	"github.com/pedro-meseguer/xai-business/internal/config"
	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/store"
	"github.com/pedro-meseguer/xai-business/internal/util"
)

var (
	cfg config.Config
	log *logger.Logger

	rootCmd = &cobra.Command{
		Use:           "xai-api",
		Short:         "Business report service for automated credit decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			var err error
			log, err = logger.New(cfg.LogMode)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Sync()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the explanation workers",
		RunE:  runServe, // Defined in serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  runMigrate,
	}

	apiKeyCmd = &cobra.Command{
		Use:   "apikey",
		Short: "Manage API clients",
	}
	apiKeyCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create an API client and print its key once",
		RunE:  runAPIKeyCreate,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	apiKeyCreateCmd.Flags().String("tenant", "", "Tenant the client acts for")
	apiKeyCreateCmd.Flags().String("name", "", "Human-readable client name")
	_ = apiKeyCreateCmd.MarkFlagRequired("tenant")

	apiKeyCmd.AddCommand(apiKeyCreateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, apiKeyCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info("Migrations applied", "dir", cfg.MigrationsDir)
	return nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	tenantID, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("--tenant must not be blank")
	}
	if strings.TrimSpace(name) == "" {
		name = tenantID
	}

	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	client := store.APIClient{
		ID:         util.NewID("cli"),
		TenantID:   tenantID,
		Name:       name,
		Enabled:    true,
		APIKeyHash: auth.HashKey(key),
	}
	if err := store.NewPostgresStore(db).InsertAPIClient(ctx, client); err != nil {
		return fmt.Errorf("create api client: %w", err)
	}
	log.Info("API client created", "client_id", client.ID, "tenant_id", tenantID)
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

// seedDevClient registers DevAPIKey for DevTenantID unless it already
// resolves. Only used for local runs.
func seedDevClient(ctx context.Context, ds store.Store) error {
	key := strings.TrimSpace(cfg.DevAPIKey)
	tenantID := strings.TrimSpace(cfg.DevTenantID)
	if key == "" || tenantID == "" {
		return nil
	}
	keyHash := auth.HashKey(key)
	if _, err := ds.GetAPIClientByKeyHash(ctx, keyHash); err == nil {
		return nil
	}
	return ds.InsertAPIClient(ctx, store.APIClient{
		ID:         util.NewID("cli"),
		TenantID:   tenantID,
		Name:       "dev",
		Enabled:    true,
		APIKeyHash: keyHash,
	})
}
