package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petlink/core/internal/credentials"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Token string
}

// NewLoginCommand creates the login command. The token is sealed into the
// data directory and used whenever api.token is not configured.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API token for this device",
		Long:  "Stores the API token encrypted in the data directory. Without --token the token is read from stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.RootOptions)
			if err != nil {
				return err
			}

			token := opts.Token
			if token == "" {
				token, err = readToken(cmd.InOrStdin())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read token", err)
				}
			}
			if token == "" {
				return NewExitError(ExitCommandError, "empty token")
			}

			if err := cfg.Credentials().Put(credentials.DefaultAccount, token); err != nil {
				return WrapExitError(ExitFailure, "failed to store token", err)
			}

			result := map[string]string{"account": credentials.DefaultAccount, "status": "stored"}
			return newPrinter(opts.RootOptions).print(result, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "Token stored.")
			})
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "API token (default: read from stdin)")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := cfg.Credentials().Delete(credentials.DefaultAccount); err != nil {
				return WrapExitError(ExitFailure, "failed to remove token", err)
			}

			result := map[string]string{"account": credentials.DefaultAccount, "status": "removed"}
			return newPrinter(opts).print(result, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "Token removed.")
			})
		},
	}
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
