package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"identitycore/pkg/domain"
)

func (a *app) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register a new identity with a generated id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			origin, err := a.origin()
			if err != nil {
				return err
			}
			mark := a.runtime.Events.Len()
			id, res, err := a.runtime.Service.RegisterIdentity(cmd.Context(), origin)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), mutationOutput{
				Operation:  "register_identity",
				Caller:     origin.Caller,
				IdentityID: &id,
				Warnings:   res.Violations,
				Events:     a.emittedSince(mark),
			})
		},
	}
}

func (a *app) registerWithIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register-with-id <identity-id>",
		Short: "Register an identity under a caller chosen id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin, err := a.origin()
			if err != nil {
				return err
			}
			id, err := domain.ParseHash(args[0])
			if err != nil {
				return fmt.Errorf("identity id: %w", err)
			}
			mark := a.runtime.Events.Len()
			created, res, err := a.runtime.Service.RegisterIdentityWithID(cmd.Context(), origin, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), mutationOutput{
				Operation:  "register_identity_with_id",
				Caller:     origin.Caller,
				IdentityID: &created,
				Warnings:   res.Violations,
				Events:     a.emittedSince(mark),
			})
		},
	}
}

func (a *app) createTokenCmd(use, short string, issue bool) *cobra.Command {
	var (
		to       string
		identity string
		cost     uint64
		data     uint64
		datatype uint64
		expired  uint64
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The token is owned by --to and bound to --identity for its whole lifetime.
The caller does not need to own the identity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			origin, err := a.origin()
			if err != nil {
				return err
			}
			if to == "" {
				return errors.New("--to is required")
			}
			identityID, err := domain.ParseHash(identity)
			if err != nil {
				return fmt.Errorf("--identity: %w", err)
			}
			params := domain.TokenParams{
				To:         domain.AccountID(to),
				IdentityID: identityID,
				Cost:       domain.Amount(cost),
				Data:       data,
				Datatype:   datatype,
				Expired:    expired,
			}
			mint, op := a.runtime.Service.CreateAuthorizedToken, "create_authorized_token"
			if issue {
				mint, op = a.runtime.Service.IssueToken, "issue_token"
			}
			mark := a.runtime.Events.Len()
			tokenID, res, err := mint(cmd.Context(), origin, params)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), mutationOutput{
				Operation:  op,
				Caller:     origin.Caller,
				IdentityID: &identityID,
				TokenID:    &tokenID,
				Warnings:   res.Violations,
				Events:     a.emittedSince(mark),
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&to, "to", "", "account receiving the token")
	f.StringVar(&identity, "identity", "", "identity id the token is bound to")
	f.Uint64Var(&cost, "cost", 0, "token cost")
	f.Uint64Var(&data, "data", 0, "opaque data field")
	f.Uint64Var(&datatype, "datatype", 0, "opaque datatype field")
	f.Uint64Var(&expired, "expired", 0, "expiry marker (stored, not enforced)")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func (a *app) transferCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "transfer <token-id>",
		Short: "Transfer a token owned by the caller to another account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin, err := a.origin()
			if err != nil {
				return err
			}
			if to == "" {
				return errors.New("--to is required")
			}
			tokenID, err := domain.ParseHash(args[0])
			if err != nil {
				return fmt.Errorf("token id: %w", err)
			}
			mark := a.runtime.Events.Len()
			res, err := a.runtime.Service.TransferToken(cmd.Context(), origin, domain.AccountID(to), tokenID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), mutationOutput{
				Operation: "transfer_token",
				Caller:    origin.Caller,
				TokenID:   &tokenID,
				Warnings:  res.Violations,
				Events:    a.emittedSince(mark),
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "receiving account")
	return cmd
}
