package main

import (
	"fmt"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Long: `Write a commented sample configuration file.

Without --config the file is created in the default location
($XDG_CONFIG_HOME/dittobox/config.yaml).`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cfgFile != "" {
				if err := config.InitConfigToPath(cfgFile, force); err != nil {
					return err
				}
				fmt.Printf("Configuration written to %s\n", cfgFile)
				return nil
			}
			path, err := config.InitConfig(force)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration")
	return initCmd
}

func newKeygenCmd() *cobra.Command {
	var force bool
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the owner key pair",
		Long: `Generate the owner key pair at volume.key_file.

The private key derives the volume index name and decrypts it. Losing it
loses the volume. The printed public key is what other owners share with.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			keys, err := config.GenerateKeyFile(cfg.Volume.KeyFile, force)
			if err != nil {
				return err
			}
			logger.Info("Generated owner key at %s", cfg.Volume.KeyFile)
			fmt.Printf("Public key: %s\n", keys.Public.Hex())
			return nil
		},
	}
	keygenCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing key")
	return keygenCmd
}

func newCreateIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-index",
		Short: "Create the volume index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.volume.CreateIndex(ctx, s.backend.URL("")); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
			fmt.Printf("Created index %s\n", s.volume.RootRef())
			return nil
		},
	}
}
