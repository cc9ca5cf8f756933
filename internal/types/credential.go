package types

// Credential is the authenticated user plus the token pair the backend
// issued. The access token carries a decodable expiry claim; the refresh
// token is only ever sent to the token refresh endpoint.
type Credential struct {
	ID           int64  `json:"id"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
