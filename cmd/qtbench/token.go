package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whhaicheng/QTBench/internal/infra/keyring"
)

func newTokenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage stored service tokens",
	}

	var proxy string
	cmd.PersistentFlags().StringVar(&proxy, "proxy", "", "Cluster proxy the token belongs to (env YT_PROXY)")

	proxyOf := func() (string, error) {
		if proxy != "" {
			return proxy, nil
		}
		if a.cfg.Tracker.Proxy != "" {
			return a.cfg.Tracker.Proxy, nil
		}
		return "", fmt.Errorf("--proxy is required")
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store a token read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxyOf()
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			token := strings.TrimSpace(line)
			if token == "" {
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				return fmt.Errorf("empty token")
			}

			store, err := openKeyring(a.cfg)
			if err != nil {
				return fmt.Errorf("open keyring: %w", err)
			}
			if err := store.Set(cmd.Context(), keyring.TokenKey(p), token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Token for %s stored\n", p)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Delete a stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxyOf()
			if err != nil {
				return err
			}
			store, err := openKeyring(a.cfg)
			if err != nil {
				return fmt.Errorf("open keyring: %w", err)
			}
			if err := store.Delete(cmd.Context(), keyring.TokenKey(p)); err != nil {
				if keyring.IsNotFound(err) {
					return fmt.Errorf("no token stored for %s", p)
				}
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Token for %s deleted\n", p)
			return nil
		},
	})

	return cmd
}
