package main

import (
	"github.com/spf13/cobra"
)

// global flags
var configPath string

var rootCmd = &cobra.Command{
	Use:   "oauthx",
	Short: "OAuth access token authorization with claims caching",
	Long: `oauthx validates OAuth access tokens, resolves the caller's claims and
optionally caches claims looked up from the user-info endpoint and the
business claims store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML configuration file (OAUTHX_* environment variables override it)")
}
