package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/anomalycam/internal/config"
	"github.com/mikeyg42/anomalycam/internal/crypto"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted config values",
	// secrets are handled before any config can be loaded
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var secretKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key for " + config.MasterKeyEnv,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt <value>",
	Short: "Encrypt a credential for the config file using " + config.MasterKeyEnv,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sealed, err := crypto.EncryptString(args[0], os.Getenv(config.MasterKeyEnv))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretKeygenCmd, secretEncryptCmd)
}
