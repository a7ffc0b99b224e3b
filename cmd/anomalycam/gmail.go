package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/notification"
)

var gmailOpts struct {
	redirectURL string
	noBrowser   bool
	timeout     time.Duration
}

var gmailCmd = &cobra.Command{
	Use:   "gmail",
	Short: "Manage Gmail API alert delivery",
}

var gmailAuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize sending through Gmail and store the OAuth token",
	Long: `Runs the OAuth consent flow for alert.gmail.clientId, then writes the token
to alert.gmail.tokenFile, sealed with alert.gmail.tokenKey when one is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gc := cfg.Alert.Gmail
		opts := notification.AuthOptions{
			RedirectURL: gmailOpts.redirectURL,
			Timeout:     gmailOpts.timeout,
			Out:         cmd.OutOrStdout(),
		}
		if !gmailOpts.noBrowser {
			opts.OpenURL = notification.OpenBrowser
		}

		tok, err := notification.AuthorizeGmail(cmd.Context(), notification.GmailConfig{
			ClientID:     gc.ClientID,
			ClientSecret: gc.ClientSecret,
		}, opts)
		if err != nil {
			return err
		}
		if err := notification.SaveToken(gc.TokenFile, gc.TokenKey, tok); err != nil {
			return err
		}
		logger.Info("Gmail token stored",
			zap.String("path", gc.TokenFile),
			zap.Bool("encrypted", gc.TokenKey != ""))
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", gc.TokenFile)
		return nil
	},
}

func init() {
	gmailAuthCmd.Flags().StringVar(&gmailOpts.redirectURL, "redirect-url", notification.DefaultRedirectURL, "Loopback redirect URL registered for the OAuth client")
	gmailAuthCmd.Flags().BoolVar(&gmailOpts.noBrowser, "no-browser", false, "Print the consent URL without opening a browser")
	gmailAuthCmd.Flags().DurationVar(&gmailOpts.timeout, "timeout", 5*time.Minute, "How long to wait for consent")
	gmailCmd.AddCommand(gmailAuthCmd)
}
