// Package upstream adapts the identity provider behind Takagi (GitHub, or
// Discord for the Snowflake build) to a single capability set the flow
// engine can drive: exchange an authorization code, refresh a token, and
// fetch the authorized user's identity.
package upstream

import (
	"context"
	"time"
)

// Token is an OAuth2 token issued by the upstream provider.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Identity is the normalized claim snapshot for an upstream user. Optional
// fields stay zero when the provider has no value for them; zero values are
// omitted from tokens and /userinfo.
type Identity struct {
	ID            string
	Username      string
	Name          string
	AvatarURL     string
	ProfileURL    string
	UpdatedAt     *time.Time
	Email         string
	EmailVerified *bool
	Groups        []string
}

// Adapter is the provider-facing capability set. Client credentials are
// passed per call: relying parties authenticate with their upstream OAuth
// application's credentials, which Takagi forwards rather than holds.
type Adapter interface {
	Name() string

	// AuthorizeURL builds the upstream authorization URL for a transaction.
	AuthorizeURL(clientID, redirectURI, state string, scopes []string) string

	// Scopes converts granted OIDC scopes to the upstream scope set.
	Scopes(oidcScopes []string) []string

	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*Token, error)
	Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error)

	// FetchIdentity retrieves a fresh claim snapshot. Failures in subcalls
	// backing optional claims drop those claims rather than failing the
	// whole fetch.
	FetchIdentity(ctx context.Context, tok *Token, scopes []string) (*Identity, error)

	// SettingsURL is where users manage their upstream account.
	SettingsURL() string
}

func scopeGranted(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}

	return false
}
