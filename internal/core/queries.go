package core

import (
	"encoding/json"
	"fmt"

	"identitycore/pkg/domain"
)

// Reader performs direct index lookups against a committed or transactional view.
type Reader struct {
	reg  *Registry
	view domain.TransactionView
}

// Reader binds the registry to a read-only view.
func (r *Registry) Reader(view domain.TransactionView) Reader {
	return Reader{reg: r, view: view}
}

// Identity returns the identity record for id.
func (r Reader) Identity(id domain.Hash) (domain.Identity, bool, error) {
	var out domain.Identity
	ok, err := r.decode(BucketIdentity, id, &out)
	return out, ok, err
}

// IdentityOwner returns the account owning identity id.
func (r Reader) IdentityOwner(id domain.Hash) (domain.AccountID, bool) {
	raw, ok := r.view.Get(BucketIdentityOwner, id.Bytes())
	return domain.AccountID(raw), ok
}

// IdentitiesCount returns the number of registered identities.
func (r Reader) IdentitiesCount() (uint64, error) {
	return r.reg.identities.Count(r.view, Global{})
}

// IdentityByIndex returns the identity at position i of the global enumeration.
func (r Reader) IdentityByIndex(i uint64) (domain.Hash, bool, error) {
	return r.reg.identities.At(r.view, Global{}, i)
}

// IdentityIndex returns the global position of identity id.
func (r Reader) IdentityIndex(id domain.Hash) (uint64, bool, error) {
	return r.reg.identities.IndexOf(r.view, Global{}, id)
}

// IdentitiesCountOfOwner returns the number of identities owned by owner.
func (r Reader) IdentitiesCountOfOwner(owner domain.AccountID) (uint64, error) {
	return r.reg.ownerIdentities.Count(r.view, owner)
}

// IdentityOfOwnerByIndex returns the identity at position i of owner's enumeration.
func (r Reader) IdentityOfOwnerByIndex(owner domain.AccountID, i uint64) (domain.Hash, bool, error) {
	return r.reg.ownerIdentities.At(r.view, owner, i)
}

// IdentitiesOfOwner lists owner's identities in index order.
func (r Reader) IdentitiesOfOwner(owner domain.AccountID) ([]domain.Hash, error) {
	return r.reg.ownerIdentities.Members(r.view, owner)
}

// Token returns the token record for id.
func (r Reader) Token(id domain.Hash) (domain.AuthorizedToken, bool, error) {
	var out domain.AuthorizedToken
	ok, err := r.decode(BucketToken, id, &out)
	return out, ok, err
}

// TokenOwner returns the account currently owning token id.
func (r Reader) TokenOwner(id domain.Hash) (domain.AccountID, bool) {
	raw, ok := r.view.Get(BucketTokenOwner, id.Bytes())
	return domain.AccountID(raw), ok
}

// TokenIdentity returns the identity token id was minted against.
func (r Reader) TokenIdentity(id domain.Hash) (domain.Hash, bool, error) {
	raw, ok := r.view.Get(BucketTokenIdentity, id.Bytes())
	if !ok {
		return domain.Hash{}, false, nil
	}
	h, err := domain.HashFromBytes(raw)
	if err != nil {
		return domain.Hash{}, false, fmt.Errorf("token identity: %w", err)
	}
	return h, true, nil
}

// TokensCount returns the number of minted tokens.
func (r Reader) TokensCount() (uint64, error) {
	return r.reg.tokens.Count(r.view, Global{})
}

// TokenByIndex returns the token at position i of the global enumeration.
func (r Reader) TokenByIndex(i uint64) (domain.Hash, bool, error) {
	return r.reg.tokens.At(r.view, Global{}, i)
}

// TokensCountOfOwner returns the number of tokens owned by owner.
func (r Reader) TokensCountOfOwner(owner domain.AccountID) (uint64, error) {
	return r.reg.ownerTokens.Count(r.view, owner)
}

// TokenOfOwnerByIndex returns the token at position i of owner's enumeration.
func (r Reader) TokenOfOwnerByIndex(owner domain.AccountID, i uint64) (domain.Hash, bool, error) {
	return r.reg.ownerTokens.At(r.view, owner, i)
}

// TokenIndexOfOwner returns the position of token id in owner's enumeration.
func (r Reader) TokenIndexOfOwner(owner domain.AccountID, id domain.Hash) (uint64, bool, error) {
	return r.reg.ownerTokens.IndexOf(r.view, owner, id)
}

// TokensOfOwner lists owner's tokens in index order.
func (r Reader) TokensOfOwner(owner domain.AccountID) ([]domain.Hash, error) {
	return r.reg.ownerTokens.Members(r.view, owner)
}

// TokensCountOfIdentity returns the number of tokens bound to identity id.
func (r Reader) TokensCountOfIdentity(id domain.Hash) (uint64, error) {
	return r.reg.identityTokens.Count(r.view, id)
}

// TokenOfIdentityByIndex returns the token at position i of identity id's enumeration.
func (r Reader) TokenOfIdentityByIndex(id domain.Hash, i uint64) (domain.Hash, bool, error) {
	return r.reg.identityTokens.At(r.view, id, i)
}

// TokensOfIdentity lists the tokens bound to identity id in index order.
func (r Reader) TokensOfIdentity(id domain.Hash) ([]domain.Hash, error) {
	return r.reg.identityTokens.Members(r.view, id)
}

// Nonce returns the current identifier generation counter.
func (r Reader) Nonce() (uint64, error) {
	return readNonce(r.view)
}

func (r Reader) decode(bucket domain.Bucket, id domain.Hash, out any) (bool, error) {
	raw, ok := r.view.Get(bucket, id.Bytes())
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", bucket, id, err)
	}
	return true, nil
}
