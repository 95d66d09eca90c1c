// Package identity derives the participant identity from the stored bearer
// token. The token is a JWT whose payload carries the account id under
// sub.account.id; the signature is the server's concern, so only the payload
// segment is decoded here. Any deviation from the expected shape fails closed.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when the credential cannot be decoded or the
// account id claim is absent or non-numeric.
var ErrMalformed = errors.New("malformed credential")

// Identity is the resolved chat participant. Immutable once derived; the
// account id scopes the live channel room and classifies message authorship.
type Identity struct {
	AccountID int64
}

type claims struct {
	Sub struct {
		Account struct {
			ID json.Number `json:"id"`
		} `json:"account"`
	} `json:"sub"`
}

// Extract derives the participant identity from a bearer token.
// Pure and deterministic: no network call, no side effects.
func Extract(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: decode payload: %v", ErrMalformed, err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Identity{}, fmt.Errorf("%w: parse claims: %v", ErrMalformed, err)
	}

	id, err := c.Sub.Account.ID.Int64()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: account id claim absent or non-numeric", ErrMalformed)
	}
	if id <= 0 {
		return Identity{}, fmt.Errorf("%w: account id %d out of range", ErrMalformed, id)
	}

	return Identity{AccountID: id}, nil
}

// decodeSegment accepts both padded and unpadded base64url, as issuers differ.
func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}
