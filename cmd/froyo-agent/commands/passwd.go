package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/auth"
	"github.com/openfroyo/froyo-agent/pkg/config"
)

func newPasswdCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Set the console password",
		Long: `Read a new console password from standard input and store its bcrypt
hash in the configured password file. Consoles that authenticate with
this password have their client certificate pinned.`,
		Example: `  # Set the password non-interactively
  echo 'n3w-secret' | froyo-agent passwd`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := auth.NewPasswordFile(cfg.Paths.PasswordFile).SetPassword(password); err != nil {
				return err
			}
			log.Info().Str("file", cfg.Paths.PasswordFile).Msg("Password updated")
			return nil
		},
	}
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
