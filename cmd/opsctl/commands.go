package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opsdesk/api/internal/app"
	"opsdesk/api/internal/config"
	"opsdesk/api/internal/store"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Maintenance commands for the opsdesk store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("OPSDESK_CONFIG", configPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to an opsdesk.toml config file")

	root.AddCommand(newMigrateCmd(), newRenormalizeCmd(), newReindexCmd(), newImportCmd())
	return root
}

// loadRuntime reads the configuration and wires the service without applying
// migrations.
func loadRuntime(ctx context.Context) (config.Config, *app.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := app.ConfigureLogging(cfg.LogLevel, "text"); err != nil {
		return config.Config{}, nil, err
	}
	rt, err := app.Build(ctx, cfg, false)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, rt, nil
}

func newMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.DB == nil {
				return errors.New("migrations need the postgres store driver")
			}
			if err := store.ApplyMigrations(cmd.Context(), rt.DB, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.DB == nil {
				return errors.New("migrations need the postgres store driver")
			}
			reverted, err := store.RevertMigrations(cmd.Context(), rt.DB, cfg.MigrationsDir, steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", reverted)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert")

	migrate.AddCommand(up, down)
	return migrate
}

type scopeFlags struct {
	kind      string
	partition string
	lane      string
}

func (f *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", store.KindCard, "Item kind (card, pipeline, sticky)")
	cmd.Flags().StringVar(&f.partition, "partition", "", "Partition, such as a board name")
	cmd.Flags().StringVar(&f.lane, "lane", "", "Lane name")
	_ = cmd.MarkFlagRequired("partition")
	_ = cmd.MarkFlagRequired("lane")
}

func (f *scopeFlags) scope() store.Scope {
	return store.Scope{Kind: f.kind, Partition: f.partition}
}

func newRenormalizeCmd() *cobra.Command {
	var flags scopeFlags
	cmd := &cobra.Command{
		Use:   "renormalize",
		Short: "Rewrite the order keys of one lane to 0..n-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			result, err := rt.Service.RenormalizeLane(cmd.Context(), flags.scope(), flags.lane)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renormalized %d item(s) in lane %s\n", result.Updated, result.Lane)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every item and doc to Meilisearch",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			items, docs, err := rt.Service.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d item(s) and %d doc(s)\n", items, docs)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	var flags scopeFlags
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Extract tasks from a text file and append them to a lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			_, rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			items, err := rt.Service.ImportItems(cmd.Context(), flags.scope(), flags.lane, string(text))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range items {
				fmt.Fprintf(out, "%s\t%v\n", item.ID, item.Payload["title"])
			}
			fmt.Fprintf(out, "imported %d item(s)\n", len(items))
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "Text file to extract tasks from")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
