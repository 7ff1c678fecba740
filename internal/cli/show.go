package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"identitycore/internal/core"
	"identitycore/pkg/domain"
)

type identityView struct {
	ID     domain.Hash      `json:"id"`
	Owner  domain.AccountID `json:"owner"`
	Index  uint64           `json:"index"`
	Tokens []domain.Hash    `json:"tokens"`
}

type tokenView struct {
	domain.AuthorizedToken
	Owner    domain.AccountID `json:"owner"`
	Identity domain.Hash      `json:"identity"`
}

type ownerView struct {
	Owner      domain.AccountID `json:"owner"`
	Identities []domain.Hash    `json:"identities"`
	Tokens     []domain.Hash    `json:"tokens"`
}

type countsView struct {
	Identities uint64 `json:"identities"`
	Tokens     uint64 `json:"tokens"`
	Nonce      uint64 `json:"nonce"`
}

func (a *app) showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Read committed registry state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "identity <identity-id>",
			Short: "Show an identity, its owner and bound tokens",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := domain.ParseHash(args[0])
				if err != nil {
					return fmt.Errorf("identity id: %w", err)
				}
				var out identityView
				err = a.runtime.Service.Read(cmd.Context(), func(r core.Reader) error {
					if _, ok, err := r.Identity(id); err != nil {
						return err
					} else if !ok {
						return domain.RegistryError{Err: domain.ErrNotFound, Entity: domain.EntityIdentity, ID: id}
					}
					owner, _ := r.IdentityOwner(id)
					index, _, err := r.IdentityIndex(id)
					if err != nil {
						return err
					}
					tokens, err := r.TokensOfIdentity(id)
					if err != nil {
						return err
					}
					out = identityView{ID: id, Owner: owner, Index: index, Tokens: nonNil(tokens)}
					return nil
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "token <token-id>",
			Short: "Show a token with its owner and identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := domain.ParseHash(args[0])
				if err != nil {
					return fmt.Errorf("token id: %w", err)
				}
				var out tokenView
				err = a.runtime.Service.Read(cmd.Context(), func(r core.Reader) error {
					token, ok, err := r.Token(id)
					if err != nil {
						return err
					}
					if !ok {
						return domain.RegistryError{Err: domain.ErrNotFound, Entity: domain.EntityAuthorizedToken, ID: id}
					}
					owner, _ := r.TokenOwner(id)
					identity, _, err := r.TokenIdentity(id)
					if err != nil {
						return err
					}
					out = tokenView{AuthorizedToken: token, Owner: owner, Identity: identity}
					return nil
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "owner <account>",
			Short: "List the identities and tokens owned by an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				owner := domain.AccountID(args[0])
				out := ownerView{Owner: owner}
				err := a.runtime.Service.Read(cmd.Context(), func(r core.Reader) error {
					identities, err := r.IdentitiesOfOwner(owner)
					if err != nil {
						return err
					}
					tokens, err := r.TokensOfOwner(owner)
					if err != nil {
						return err
					}
					out.Identities, out.Tokens = nonNil(identities), nonNil(tokens)
					return nil
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "counts",
			Short: "Show global identity and token counts and the id nonce",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out countsView
				err := a.runtime.Service.Read(cmd.Context(), func(r core.Reader) error {
					var err error
					if out.Identities, err = r.IdentitiesCount(); err != nil {
						return err
					}
					if out.Tokens, err = r.TokensCount(); err != nil {
						return err
					}
					out.Nonce, err = r.Nonce()
					return err
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return cmd
}

func nonNil(ids []domain.Hash) []domain.Hash {
	if ids == nil {
		return []domain.Hash{}
	}
	return ids
}
