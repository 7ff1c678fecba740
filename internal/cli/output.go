package cli

import (
	"encoding/json"
	"io"

	"identitycore/pkg/domain"
)

type mutationOutput struct {
	Operation  string             `json:"operation"`
	Caller     domain.AccountID   `json:"caller"`
	IdentityID *domain.Hash       `json:"identity_id,omitempty"`
	TokenID    *domain.Hash       `json:"token_id,omitempty"`
	Warnings   []domain.Violation `json:"warnings,omitempty"`
	Events     []domain.Event     `json:"events"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emittedSince returns the events appended to the runtime log after mark.
func (a *app) emittedSince(mark int) []domain.Event {
	all := a.runtime.Events.Events()
	if mark >= len(all) {
		return []domain.Event{}
	}
	return all[mark:]
}
