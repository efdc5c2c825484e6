package credentials

// TokenPair is the access/refresh token pair issued by the exchange.
type TokenPair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Empty reports whether no access token is held.
func (p TokenPair) Empty() bool {
	return p.Access == ""
}

// Profile is the snapshot of the signed-in user.
type Profile struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Nickname         string `json:"nickname"`
	Verified         bool   `json:"verified"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}
