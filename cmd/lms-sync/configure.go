package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RomanDovgii/testing-lms/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Store a GitHub token for profile lookups",
	Long: `Prompts for a GitHub token and stores it in the OS keychain, or in
~/.config/lms-sync/credentials.yaml when no keychain is available.`,
	RunE: runConfigure,
}

var configureRemove bool

func init() {
	configureCmd.Flags().BoolVar(&configureRemove, "remove", false, "delete the token stored in the keychain")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cm := config.NewCredentialManager()

	if configureRemove {
		if err := config.NewKeyringManager().DeleteGitHubToken(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✅ GitHub token removed from the keychain")
		return nil
	}

	fmt.Fprintln(out, "🔧 lms-sync GitHub setup")
	fmt.Fprintln(out)

	if current, source := cm.Lookup(); current != "" {
		fmt.Fprintf(out, "Current: %s\n", config.MaskToken(current))
		fmt.Fprintf(out, "Source: %s\n", source)
	}

	if !config.NewKeyringManager().IsAvailable() {
		fmt.Fprintln(out, "⚠️  OS keychain not available, the token will be stored in plaintext")
		fmt.Fprintf(out, "   %s\n", cm.GetConfigPath())
	}

	token, err := cm.PromptGitHubToken(out)
	if err != nil {
		return err
	}
	if token == "" {
		fmt.Fprintln(out, "No token entered, nothing changed")
		return nil
	}

	where, err := cm.SaveCredentials(config.Credentials{GitHubToken: token})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ GitHub token saved (%s)\n", where)
	return nil
}
