package domain

import "context"

// EventKind discriminates registry events.
type EventKind string

// Events emitted after a committed operation.
const (
	EventIdentityCreated            EventKind = "identity_created"
	EventAuthorizedTokenCreated     EventKind = "authorized_token_created"
	EventAuthorizedTokenTransferred EventKind = "authorized_token_transferred"
)

// Event is a single append-only record describing a committed state change.
type Event struct {
	Kind       EventKind `json:"kind"`
	Owner      AccountID `json:"owner,omitempty"`
	From       AccountID `json:"from,omitempty"`
	To         AccountID `json:"to,omitempty"`
	IdentityID Hash      `json:"identity_id,omitzero"`
	TokenID    Hash      `json:"token_id,omitzero"`
}

// IdentityCreated builds the event for a minted identity.
func IdentityCreated(owner AccountID, identityID Hash) Event {
	return Event{Kind: EventIdentityCreated, Owner: owner, IdentityID: identityID}
}

// AuthorizedTokenCreated builds the event for a minted token.
func AuthorizedTokenCreated(owner AccountID, identityID, tokenID Hash) Event {
	return Event{Kind: EventAuthorizedTokenCreated, Owner: owner, IdentityID: identityID, TokenID: tokenID}
}

// AuthorizedTokenTransferred builds the event for a token changing owner.
func AuthorizedTokenTransferred(from, to AccountID, tokenID Hash) Event {
	return Event{Kind: EventAuthorizedTokenTransferred, From: from, To: to, TokenID: tokenID}
}

// EventSink receives events in commit order. Sinks never influence registry state.
type EventSink interface {
	Append(ctx context.Context, events ...Event) error
}
