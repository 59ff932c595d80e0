package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/keyring"
)

func NewAPIKeyCommand() *cobra.Command {
	apiKeyCmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the gateway API key in the system keyring",
		Long: `Manage the gateway API key stored in the system keyring.

The gateway reads the key from the keyring when gateway.api_key_source is
"keyring". Callers must send it as 'Authorization: Bearer <key>'.`,
	}

	var generate bool
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the gateway API key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var key string
			var err error
			if generate {
				key, err = keyring.GenerateAPIKey()
			} else {
				key, err = keyring.PromptAPIKey()
			}
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read API key: %v", err))
				os.Exit(1)
			}

			if err := keyring.SetAPIKey(key); err != nil {
				slog.Error(fmt.Sprintf("Failed to store API key: %v", err))
				os.Exit(1)
			}

			if generate {
				// Printed once so it can be handed to clients
				fmt.Println(key)
			}
			slog.Info("API key stored in keyring. Run 'inferd gateway stop' and 'inferd gateway start' to apply it.")
		},
	}
	setCmd.Flags().BoolVar(&generate, "generate", false, "Generate a random key and print it")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the gateway API key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			err := keyring.DeleteAPIKey()
			if errors.Is(err, keyring.ErrNotFound) {
				slog.Warn("No API key stored in keyring")
				return
			}
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to delete API key: %v", err))
				os.Exit(1)
			}
			slog.Info("API key removed from keyring")
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether an API key is stored",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if keyring.HasAPIKey() {
				slog.Info("An API key is stored in the keyring")
				return
			}
			slog.Warn("No API key stored in keyring")
		},
	}

	apiKeyCmd.AddCommand(setCmd, deleteCmd, statusCmd)
	return apiKeyCmd
}
