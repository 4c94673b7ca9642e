package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatstream/internal/infra/config"
)

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal [SECRET]",
		Short: "Encrypt a secret for use in the config file",
		Long: `seal encrypts SECRET (or the first line of stdin) with the passphrase in
CHATSTREAM_CONFIG_KEY. The output can replace a plaintext api_key in the
config file; serve decrypts it with the same passphrase.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("CHATSTREAM_CONFIG_KEY")
			if passphrase == "" {
				return fmt.Errorf("CHATSTREAM_CONFIG_KEY is not set")
			}
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return fmt.Errorf("empty secret")
			}
			sealed, err := config.SealSecret(secret, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
