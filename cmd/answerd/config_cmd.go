package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"answercore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, then exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("configuration is valid (server %s, db %s, redis %s)\n",
			loaded.Server.Addr, loaded.Database.Path, loaded.Redis.Addr)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
