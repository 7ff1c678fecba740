package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseHash(t *testing.T) {
	hexID := strings.Repeat("ab", HashSize)
	for _, in := range []string{hexID, "0x" + hexID, " 0X" + hexID + " "} {
		h, err := ParseHash(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if h.String() != "0x"+hexID {
			t.Fatalf("round trip: %s", h)
		}
	}
	for _, bad := range []string{"", "zz", strings.Repeat("ab", HashSize-1)} {
		if _, err := ParseHash(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestHashBytesAndZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Fatalf("zero hash should report IsZero")
	}
	h[0] = 1
	b := h.Bytes()
	b[0] = 9
	if h[0] != 1 {
		t.Fatalf("Bytes must return a copy")
	}
	if _, err := HashFromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestHashJSON(t *testing.T) {
	tok := AuthorizedToken{Cost: 5, Data: 1}
	tok.ID[31] = 7
	raw, err := json.Marshal(tok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"id":"0x00`) {
		t.Fatalf("hash should encode as hex text: %s", raw)
	}
	var back AuthorizedToken
	if err := json.Unmarshal(raw, &back); err != nil || back != tok {
		t.Fatalf("decode: %+v %v", back, err)
	}
	if err := json.Unmarshal([]byte(`{"id":"0x12"}`), &back); err == nil {
		t.Fatalf("expected short id to fail")
	}
}

func TestEventJSONOmitsUnusedFields(t *testing.T) {
	var id Hash
	id[0] = 1
	raw, err := json.Marshal(IdentityCreated("alice", id))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, `"kind":"identity_created"`) || strings.Contains(s, "token_id") || strings.Contains(s, `"from"`) {
		t.Fatalf("unexpected encoding %s", s)
	}
	transferred := AuthorizedTokenTransferred("a", "b", id)
	if transferred.Kind != EventAuthorizedTokenTransferred || transferred.From != "a" || transferred.To != "b" || transferred.TokenID != id {
		t.Fatalf("unexpected event %+v", transferred)
	}
}

func TestRegistryErrorFormattingAndUnwrap(t *testing.T) {
	var id Hash
	id[31] = 1
	cases := []struct {
		err  RegistryError
		want string
	}{
		{RegistryError{Err: ErrOverflow}, "overflow"},
		{RegistryError{Err: ErrOverflow, Entity: EntityNonce}, "nonce: overflow"},
		{RegistryError{Err: ErrNotOwner, Entity: EntityAuthorizedToken, ID: id, Detail: "caller does not own this token"},
			"authorized_token " + id.String() + ": not owner (caller does not own this token)"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("got %q want %q", got, tc.want)
		}
	}
	var err error = RegistryError{Err: ErrNotFound}
	if !errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotOwner) {
		t.Fatalf("unwrap should expose only the sentinel")
	}
}

func TestOriginValidate(t *testing.T) {
	if err := (Origin{}).Validate(); !errors.Is(err, ErrBadOrigin) {
		t.Fatalf("expected bad origin, got %v", err)
	}
	if err := (Origin{Caller: "alice"}).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
