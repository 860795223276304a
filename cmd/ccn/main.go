package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"aleph-network/core"
	"aleph-network/pkg/config"
)

// version is stamped by the build.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{Use: "ccn", Short: "Aleph core channel node"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			node, err := core.NewNode(cfg, logger)
			if err != nil {
				return err
			}
			defer node.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Infof("ccn %s starting", version)
			return node.Start(ctx)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringVar(&out, "out", "config/default.yaml", "destination path")
	cmd.AddCommand(initCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.File != "" {
		if f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			logger.SetOutput(f)
		} else {
			logger.Warnf("log file %s: %v", cfg.Logging.File, err)
		}
	}
	return logger
}
