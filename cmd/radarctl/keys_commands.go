package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/contentradar/internal/api/middleware"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const rawKeyPrefix = "cr_"

func newKeysCommand(ctx *commandContext) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	keysCmd.AddCommand(newKeysCreateCommand(ctx))
	keysCmd.AddCommand(newKeysRevokeCommand(ctx))

	return keysCmd
}

func newKeysCreateCommand(ctx *commandContext) *cobra.Command {
	var email, name string
	var scopes []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user, creating the user if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.ToLower(strings.TrimSpace(email))
			name = strings.TrimSpace(name)
			if email == "" || name == "" {
				return errors.New("--email and --name are required")
			}
			for _, s := range scopes {
				if !validScope(s) {
					return fmt.Errorf("unknown scope %q: must be one of read, write, admin", s)
				}
			}

			raw, err := generateRawKey()
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}

			return ctx.withStore(cmd.Context(), func(st cliStore) error {
				userID, err := st.UpsertUser(cmd.Context(), email)
				if err != nil {
					return err
				}

				now := ctx.now().UTC()
				key := &models.APIKey{
					ID:        uuid.New(),
					UserID:    userID,
					Name:      name,
					KeyHash:   string(hash),
					KeyPrefix: raw[:mw.KeyPrefixLen],
					Scopes:    scopes,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
					if errors.Is(err, store.ErrDuplicateKey) {
						return fmt.Errorf("user %s already has a key named %q", email, name)
					}
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable([]string{"Field", "Value"}, [][]string{
					{"ID", key.ID.String()},
					{"User", email},
					{"Name", key.Name},
					{"Scopes", strings.Join(key.Scopes, ",")},
				}, nil))
				fmt.Fprintf(out, "API key (shown once): %s\n", raw)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Owner email")
	cmd.Flags().StringVar(&name, "name", "", "Key name, unique per user")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{mw.ScopeRead, mw.ScopeWrite}, "Scopes to grant (repeatable)")

	return cmd
}

func newKeysRevokeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			return ctx.withStore(cmd.Context(), func(st cliStore) error {
				err := st.RevokeAPIKey(cmd.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("api key %s not found or already revoked", id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", id)
				return nil
			})
		},
	}
}

func validScope(s string) bool {
	switch s {
	case mw.ScopeRead, mw.ScopeWrite, mw.ScopeAdmin:
		return true
	}
	return false
}

// generateRawKey returns cr_ followed by 48 hex characters.
func generateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}
