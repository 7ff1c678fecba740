package core

import (
	"encoding/json"
	"fmt"
	"math"

	"identitycore/pkg/domain"
)

// Registry holds the five collection families backing identities and tokens.
type Registry struct {
	identities      Collection[Global, domain.Hash]
	ownerIdentities Collection[domain.AccountID, domain.Hash]
	tokens          Collection[Global, domain.Hash]
	ownerTokens     Collection[domain.AccountID, domain.Hash]
	identityTokens  Collection[domain.Hash, domain.Hash]
}

// NewRegistry returns a registry using the standard collection layout.
func NewRegistry() *Registry {
	return &Registry{
		identities:      NewCollection[Global](CollectionIdentities, domain.HashFromBytes),
		ownerIdentities: NewCollection[domain.AccountID](CollectionOwnerIdentities, domain.HashFromBytes),
		tokens:          NewCollection[Global](CollectionTokens, domain.HashFromBytes),
		ownerTokens:     NewCollection[domain.AccountID](CollectionOwnerTokens, domain.HashFromBytes),
		identityTokens:  NewCollection[domain.Hash](CollectionIdentityTokens, domain.HashFromBytes),
	}
}

// Session applies registry operations to one transaction and accumulates the
// events they emit. Events are only meaningful once the transaction commits.
type Session struct {
	reg    *Registry
	tx     domain.Transaction
	events []domain.Event
}

// Session binds the registry to tx.
func (r *Registry) Session(tx domain.Transaction) *Session {
	return &Session{reg: r, tx: tx}
}

// Events returns the events emitted so far, in emission order.
func (s *Session) Events() []domain.Event {
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// RegisterIdentity mints an identity with a generated id owned by the caller.
func (s *Session) RegisterIdentity(origin domain.Origin) (domain.Hash, error) {
	if err := origin.Validate(); err != nil {
		return domain.Hash{}, err
	}
	nonce, err := s.checkedNonce()
	if err != nil {
		return domain.Hash{}, err
	}
	id := NextID(origin.Seed, origin.Caller, nonce)
	if err := s.mintIdentity(origin.Caller, id, domain.Identity{ID: id}); err != nil {
		return domain.Hash{}, err
	}
	s.tx.Put(BucketMeta, nonceKey, encodeUint64(nonce+1))
	return id, nil
}

// RegisterIdentityWithID mints an identity with a caller chosen id. The nonce is not consumed.
func (s *Session) RegisterIdentityWithID(origin domain.Origin, id domain.Hash) (domain.Hash, error) {
	if err := origin.Validate(); err != nil {
		return domain.Hash{}, err
	}
	if err := s.mintIdentity(origin.Caller, id, domain.Identity{ID: id}); err != nil {
		return domain.Hash{}, err
	}
	return id, nil
}

// CreateAuthorizedToken mints a token bound to params.IdentityID and owned by
// params.To. The caller does not need to own the identity.
func (s *Session) CreateAuthorizedToken(origin domain.Origin, params domain.TokenParams) (domain.Hash, error) {
	if err := origin.Validate(); err != nil {
		return domain.Hash{}, err
	}
	if params.To == "" {
		return domain.Hash{}, domain.RegistryError{Err: domain.ErrInvalidAccount, Detail: "recipient is required"}
	}
	nonce, err := s.checkedNonce()
	if err != nil {
		return domain.Hash{}, err
	}
	id := NextID(origin.Seed, origin.Caller, nonce)
	token := domain.AuthorizedToken{
		ID:       id,
		Cost:     params.Cost,
		Data:     params.Data,
		Datatype: params.Datatype,
		Expired:  params.Expired,
	}
	if err := s.mintToken(params.To, params.IdentityID, id, token); err != nil {
		return domain.Hash{}, err
	}
	s.tx.Put(BucketMeta, nonceKey, encodeUint64(nonce+1))
	return id, nil
}

// IssueToken is an alias entry point for CreateAuthorizedToken.
func (s *Session) IssueToken(origin domain.Origin, params domain.TokenParams) (domain.Hash, error) {
	return s.CreateAuthorizedToken(origin, params)
}

// TransferToken moves a token owned by the caller to another account.
func (s *Session) TransferToken(origin domain.Origin, to domain.AccountID, tokenID domain.Hash) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	owner, ok := s.owner(BucketTokenOwner, tokenID)
	if !ok {
		return domain.RegistryError{Err: domain.ErrNotFound, Entity: domain.EntityAuthorizedToken, ID: tokenID}
	}
	if owner != origin.Caller {
		return domain.RegistryError{Err: domain.ErrNotOwner, Entity: domain.EntityAuthorizedToken, ID: tokenID, Detail: "caller does not own this token"}
	}
	return s.transferFrom(origin.Caller, to, tokenID)
}

func (s *Session) transferFrom(from, to domain.AccountID, tokenID domain.Hash) error {
	if to == "" {
		return domain.RegistryError{Err: domain.ErrInvalidAccount, Detail: "recipient is required"}
	}
	owner, ok := s.owner(BucketTokenOwner, tokenID)
	if !ok {
		return domain.RegistryError{Err: domain.ErrNotFound, Entity: domain.EntityAuthorizedToken, ID: tokenID}
	}
	if owner != from {
		return domain.RegistryError{Err: domain.ErrNotOwner, Entity: domain.EntityAuthorizedToken, ID: tokenID, Detail: "'from' account does not own this token"}
	}
	if err := s.reg.ownerTokens.CheckCapacity(s.tx, to); err != nil {
		return withEntity(err, domain.EntityAuthorizedToken, tokenID)
	}
	if err := s.reg.ownerTokens.CheckRemove(s.tx, from, tokenID); err != nil {
		return withEntity(err, domain.EntityAuthorizedToken, tokenID)
	}

	if err := s.reg.ownerTokens.Remove(s.tx, from, tokenID); err != nil {
		return err
	}
	if err := s.reg.ownerTokens.Insert(s.tx, to, tokenID); err != nil {
		return err
	}
	s.tx.Put(BucketTokenOwner, tokenID.Bytes(), to.Bytes())
	s.emit(domain.AuthorizedTokenTransferred(from, to, tokenID))
	return nil
}

func (s *Session) mintIdentity(owner domain.AccountID, id domain.Hash, identity domain.Identity) error {
	if _, exists := s.owner(BucketIdentityOwner, id); exists {
		return domain.RegistryError{Err: domain.ErrAlreadyExists, Entity: domain.EntityIdentity, ID: id}
	}
	if err := s.reg.identities.CheckInsert(s.tx, Global{}, id); err != nil {
		return withEntity(err, domain.EntityIdentity, id)
	}
	if err := s.reg.ownerIdentities.CheckInsert(s.tx, owner, id); err != nil {
		return withEntity(err, domain.EntityIdentity, id)
	}
	record, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	s.tx.Put(BucketIdentity, id.Bytes(), record)
	s.tx.Put(BucketIdentityOwner, id.Bytes(), owner.Bytes())
	if err := s.reg.identities.Insert(s.tx, Global{}, id); err != nil {
		return err
	}
	if err := s.reg.ownerIdentities.Insert(s.tx, owner, id); err != nil {
		return err
	}
	s.emit(domain.IdentityCreated(owner, id))
	return nil
}

func (s *Session) mintToken(owner domain.AccountID, identityID, tokenID domain.Hash, token domain.AuthorizedToken) error {
	if _, exists := s.owner(BucketIdentityOwner, identityID); !exists {
		return domain.RegistryError{Err: domain.ErrUnknownIdentity, Entity: domain.EntityIdentity, ID: identityID}
	}
	if _, exists := s.owner(BucketTokenOwner, tokenID); exists {
		return domain.RegistryError{Err: domain.ErrAlreadyExists, Entity: domain.EntityAuthorizedToken, ID: tokenID}
	}
	if err := s.reg.ownerTokens.CheckInsert(s.tx, owner, tokenID); err != nil {
		return withEntity(err, domain.EntityAuthorizedToken, tokenID)
	}
	if err := s.reg.identityTokens.CheckInsert(s.tx, identityID, tokenID); err != nil {
		return withEntity(err, domain.EntityAuthorizedToken, tokenID)
	}
	if err := s.reg.tokens.CheckInsert(s.tx, Global{}, tokenID); err != nil {
		return withEntity(err, domain.EntityAuthorizedToken, tokenID)
	}
	record, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	s.tx.Put(BucketToken, tokenID.Bytes(), record)
	s.tx.Put(BucketTokenOwner, tokenID.Bytes(), owner.Bytes())
	s.tx.Put(BucketTokenIdentity, tokenID.Bytes(), identityID.Bytes())
	if err := s.reg.tokens.Insert(s.tx, Global{}, tokenID); err != nil {
		return err
	}
	if err := s.reg.ownerTokens.Insert(s.tx, owner, tokenID); err != nil {
		return err
	}
	if err := s.reg.identityTokens.Insert(s.tx, identityID, tokenID); err != nil {
		return err
	}
	s.emit(domain.AuthorizedTokenCreated(owner, identityID, tokenID))
	return nil
}

// checkedNonce returns the current nonce, refusing to hand out the last value
// because advancing past it would wrap.
func (s *Session) checkedNonce() (uint64, error) {
	nonce, err := readNonce(s.tx)
	if err != nil {
		return 0, err
	}
	if nonce == math.MaxUint64 {
		return 0, domain.RegistryError{Err: domain.ErrOverflow, Entity: domain.EntityNonce}
	}
	return nonce, nil
}

func (s *Session) owner(bucket domain.Bucket, id domain.Hash) (domain.AccountID, bool) {
	raw, ok := s.tx.Get(bucket, id.Bytes())
	if !ok {
		return "", false
	}
	return domain.AccountID(raw), true
}

func (s *Session) emit(e domain.Event) {
	s.events = append(s.events, e)
}

func readNonce(view domain.TransactionView) (uint64, error) {
	raw, ok := view.Get(BucketMeta, nonceKey)
	if !ok {
		return 0, nil
	}
	nonce, err := decodeUint64(raw)
	if err != nil {
		return 0, fmt.Errorf("nonce: %w", err)
	}
	return nonce, nil
}

// withEntity attaches the record being minted or moved to a collection error.
func withEntity(err error, entity domain.EntityType, id domain.Hash) error {
	if re, ok := err.(domain.RegistryError); ok && re.Entity == "" {
		re.Entity = entity
		re.ID = id
		return re
	}
	return err
}
