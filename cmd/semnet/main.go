package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"semnet/cmd/cli"
	"semnet/pkg/config"
)

func main() {
	if _, err := config.LoadFromEnv(); err != nil {
		// viper defaults still apply when no config file is present
		logrus.Debugf("config not loaded: %v", err)
	}
	rootCmd := &cobra.Command{Use: "semnet"}
	cli.RegisterGraph(rootCmd)
	cli.RegisterIdent(rootCmd)
	cli.RegisterLink(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
