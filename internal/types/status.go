package types

import "time"

// CredentialStatus is the externally visible view of the credential store.
// The token itself is never exposed, only a masked form.
type CredentialStatus struct {
	Valid       bool      `json:"valid"`
	TokenHeader string    `json:"token_header"`
	MaskedToken string    `json:"masked_token,omitempty"`
	HeaderNames []string  `json:"header_names"`
	UpdatedAt   time.Time `json:"updated_at"`
	// Authenticated is nil until the auth monitor has completed a check.
	Authenticated *bool `json:"authenticated,omitempty"`
}

// LiveStatus lists the followed users currently broadcasting.
type LiveStatus struct {
	UserIDs []int `json:"user_ids"`
	Count   int   `json:"count"`
}
