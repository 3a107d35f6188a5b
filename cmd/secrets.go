package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/classbook/internal/auth"
	"github.com/example/classbook/internal/config"
)

func newHashPasswordCmd() *cobra.Command {
	var password string

	c := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for STATUS_PASSWORD_BCRYPT (reads stdin without --password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := valueOrStdin(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export STATUS_PASSWORD_BCRYPT='%s'\n", hash)
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "password to hash")
	return c
}

func newEncryptSecretCmd() *cobra.Command {
	var value string

	c := &cobra.Command{
		Use:   "encrypt-secret",
		Short: "Seal the facility password with CRED_ENC_KEY for FACILITY_PASSWORD_ENC",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := config.CredentialKey()
			if errors.Is(err, config.ErrNoCredentialKey) {
				return errors.New("CRED_ENC_KEY is required (see `classbook keys`)")
			}
			if err != nil {
				return err
			}
			secret, err := valueOrStdin(cmd.InOrStdin(), value)
			if err != nil {
				return err
			}
			sealed, err := a.EncryptToString(secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export FACILITY_PASSWORD_ENC=%s\n", sealed)
			return nil
		},
	}
	c.Flags().StringVar(&value, "value", "", "secret to seal")
	return c
}

// valueOrStdin returns v, or the first line of r when v is empty.
func valueOrStdin(r io.Reader, v string) (string, error) {
	if v != "" {
		return v, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
