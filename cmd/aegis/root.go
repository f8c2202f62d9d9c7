package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aegis",
		Short: "aegis is a tiered identity and access-control core",
		Long: `aegis issues signed, alias-bearing tokens, elevates principals through
authentication tiers, scopes tokens to tenants and keeps tenant data in
cryptographically isolated namespaces.

All configuration is read from AEGIS_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newAliasCmd())
	root.AddCommand(newKeygenCmd())
	return root
}
