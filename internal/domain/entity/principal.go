package entity

// Principal is the verified user identity bound to one request.
// Token validation happens upstream; the gateway only receives the
// already-verified result. Immutable for the request's lifetime.
type Principal struct {
	UserID      string
	AccessToken string
	APIKeyID    string
	AccountID   string
}

// Valid reports whether the principal carries a usable identity.
func (p Principal) Valid() bool {
	return p.UserID != ""
}
