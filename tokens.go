package takagi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/celsiusnarhwal/takagi/keyset"
	"github.com/celsiusnarhwal/takagi/upstream"
)

// maxExpiry stands in for "never expires" when no token lifetime is
// configured. JWTs must carry an exp, so this is as close as we can get.
var maxExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// TokenService mints and verifies the JWTs Takagi issues. Every mint and
// verify operation works against a single keyset snapshot, so a rotation
// never mixes key generations within one operation.
type TokenService struct {
	keys     *keyset.Provider
	lifetime time.Duration
	now      func() time.Time
}

func NewTokenService(keys *keyset.Provider, lifetime time.Duration, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}

	return &TokenService{
		keys:     keys,
		lifetime: lifetime,
		now:      now,
	}
}

// TokenResponse is the /token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope,omitempty"`
}

// MintParams collects everything needed to issue a token pair.
type MintParams struct {
	Identity      *upstream.Identity
	UpstreamToken *upstream.Token
	ClientID      string
	Scopes        []string
	Nonce         string
	Request       RequestContext
}

// Mint issues the ID, access, and refresh tokens for a redeemed grant.
func (svc *TokenService) Mint(params MintParams) (*TokenResponse, error) {
	ks := svc.keys.Current()
	now := svc.now().UTC()

	expiry := maxExpiry
	if svc.lifetime > 0 {
		expiry = now.Add(svc.lifetime)
	}

	issuer := params.Request.Issuer()

	idToken, err := svc.sign(ks, svc.identityClaims(params, issuer, now, expiry))
	if err != nil {
		return nil, fmt.Errorf("could not sign id token: %w", err)
	}

	sealed, err := sealToken(ks, params.UpstreamToken)
	if err != nil {
		return nil, err
	}

	accessToken, err := svc.sign(ks, jwt.MapClaims{
		"iss":       issuer,
		"sub":       params.Identity.ID,
		"aud":       params.Request.URLFor("/userinfo"),
		"iat":       now.Unix(),
		"exp":       expiry.Unix(),
		"cid":       params.ClientID,
		"scope":     strings.Join(params.Scopes, " "),
		"token":     sealed,
		"token_use": "access",
	})
	if err != nil {
		return nil, fmt.Errorf("could not sign access token: %w", err)
	}

	refreshExpiry := maxExpiry
	if svc.lifetime > 0 {
		refreshExpiry = now.Add(7 * svc.lifetime)
	}

	refreshToken, err := svc.sign(ks, jwt.MapClaims{
		"iss":       issuer,
		"sub":       params.Identity.ID,
		"aud":       params.Request.URLFor("/token"),
		"iat":       now.Unix(),
		"exp":       refreshExpiry.Unix(),
		"jti":       uuid.NewString(),
		"cid":       params.ClientID,
		"scope":     strings.Join(params.Scopes, " "),
		"nonce":     params.Nonce,
		"token":     sealed,
		"token_use": "refresh",
	})
	if err != nil {
		return nil, fmt.Errorf("could not sign refresh token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiry.Unix(),
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Scope:        strings.Join(params.Scopes, " "),
	}

	if svc.lifetime > 0 {
		resp.ExpiresIn = int64(svc.lifetime.Seconds())
	}

	return resp, nil
}

// identityClaims builds the ID token's claim set: the registered claims
// plus the scope-gated projection and the echoed nonce.
func (svc *TokenService) identityClaims(params MintParams, issuer string, now, expiry time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": params.ClientID,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
	}

	for name, value := range ProjectClaims(params.Identity, params.Scopes) {
		claims[name] = value
	}

	if params.Nonce != "" {
		claims["nonce"] = params.Nonce
	}

	return claims
}

// ProjectClaims projects a claim snapshot onto the granted scopes. A claim
// appears iff its gating scope was granted and its source value is
// non-null; null values are omitted, never emitted. The result is also the
// /userinfo response body.
func ProjectClaims(identity *upstream.Identity, scopes []string) map[string]any {
	claims := map[string]any{
		"sub": identity.ID,
	}

	if granted(scopes, "profile") {
		claims["preferred_username"] = identity.Username

		if identity.Name != "" {
			claims["name"] = identity.Name
			claims["nickname"] = identity.Name
		}

		if identity.AvatarURL != "" {
			claims["picture"] = identity.AvatarURL
		}

		if identity.ProfileURL != "" {
			claims["profile"] = identity.ProfileURL
		}

		if identity.UpdatedAt != nil {
			claims["updated_at"] = identity.UpdatedAt.Unix()
		}
	}

	if granted(scopes, "email") && identity.Email != "" {
		claims["email"] = identity.Email

		if identity.EmailVerified != nil {
			claims["email_verified"] = *identity.EmailVerified
		}
	}

	if granted(scopes, "groups") && len(identity.Groups) > 0 {
		claims["groups"] = identity.Groups
	}

	return claims
}

func (svc *TokenService) sign(ks *keyset.Keyset, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ks.SigningKeyID()

	return token.SignedString(ks.SigningKey())
}

func sealToken(ks *keyset.Keyset, tok *upstream.Token) (string, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("could not serialize upstream token: %w", err)
	}

	sealed, err := ks.Encrypt(b)
	if err != nil {
		return "", fmt.Errorf("could not seal upstream token: %w", err)
	}

	return sealed, nil
}

// errWrongTokenUse marks a structurally valid JWT presented at an endpoint
// that expects a different token class (an ID token at /userinfo, say).
var errWrongTokenUse = errors.New("token is not valid at this endpoint")

// VerifiedToken is the validated content of an access or refresh token.
type VerifiedToken struct {
	Subject       string
	ClientID      string
	Scopes        []string
	Nonce         string
	JTI           string
	IssuedAt      int64
	ExpiresAt     int64
	Issuer        string
	Audience      string
	UpstreamToken *upstream.Token
}

// VerifyAccess validates an access token presented at /userinfo or
// /introspect: signature under the current keyset, unexpired, issuer and
// audience matching the observed request, and the access token class.
func (svc *TokenService) VerifyAccess(raw string, rc RequestContext) (*VerifiedToken, error) {
	return svc.verify(raw, "access", rc.Issuer(), rc.URLFor("/userinfo"))
}

// VerifyRefresh validates a refresh token presented at /token.
func (svc *TokenService) VerifyRefresh(raw string, rc RequestContext) (*VerifiedToken, error) {
	return svc.verify(raw, "refresh", rc.Issuer(), rc.URLFor("/token"))
}

func (svc *TokenService) verify(raw, use, issuer, audience string) (*VerifiedToken, error) {
	ks := svc.keys.Current()

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}

		if kid != ks.SigningKeyID() {
			return nil, fmt.Errorf("token kid %q does not match the current signing key", kid)
		}

		return &ks.SigningKey().PublicKey, nil
	}

	parsed, err := jwt.Parse(
		raw,
		keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(svc.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("token claims have an unexpected shape")
	}

	if tokenUse, _ := claims["token_use"].(string); tokenUse != use {
		return nil, errWrongTokenUse
	}

	aud, _ := claims["aud"].(string)
	if aud != audience {
		return nil, fmt.Errorf("token audience %q does not match %q", aud, audience)
	}

	sealed, _ := claims["token"].(string)

	plaintext, err := ks.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("could not unseal upstream token: %w", err)
	}

	var upstreamToken upstream.Token
	if err := json.Unmarshal(plaintext, &upstreamToken); err != nil {
		return nil, fmt.Errorf("could not unmarshal upstream token: %w", err)
	}

	verified := &VerifiedToken{
		Issuer:        issuer,
		Audience:      aud,
		UpstreamToken: &upstreamToken,
	}

	verified.Subject, _ = claims["sub"].(string)
	verified.ClientID, _ = claims["cid"].(string)
	verified.Nonce, _ = claims["nonce"].(string)
	verified.JTI, _ = claims["jti"].(string)

	if scope, _ := claims["scope"].(string); scope != "" {
		verified.Scopes = strings.Fields(scope)
	}

	if iat, ok := claims["iat"].(float64); ok {
		verified.IssuedAt = int64(iat)
	}

	if exp, ok := claims["exp"].(float64); ok {
		verified.ExpiresAt = int64(exp)
	}

	return verified, nil
}

func granted(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}

	return false
}
