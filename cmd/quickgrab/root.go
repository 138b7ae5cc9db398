package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"quickgrab/internal/shared/config"
	"quickgrab/internal/shared/logger"
)

// newRootCmd 创建根命令。配置与日志在任何子命令执行前初始化。
func newRootCmd() *cobra.Command {
	var configDir string
	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:           "quickgrab",
		Short:         "Scheduled flash-sale order dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			iniPath := filepath.Join(configDir, "quickgrab.ini")
			if err := config.LoadIni(cfg, iniPath); err != nil {
				return fmt.Errorf("failed to load config file '%s': %w", iniPath, err)
			}
			if err := logger.Init(cfg.LogConf); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "configdir", "configs", "Path to config directory")

	rootCmd.AddCommand(serveCmd(cfg))
	rootCmd.AddCommand(proxiesCmd(cfg))
	rootCmd.AddCommand(enqueueCmd(cfg))
	return rootCmd
}

