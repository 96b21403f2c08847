package takagi

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/celsiusnarhwal/takagi/internal/helpers"
)

// handleToken redeems authorization codes and refresh tokens for a fresh
// token pair. Client credentials arrive via HTTP Basic or form fields,
// never both.
func (s *Server) handleToken(c echo.Context) error {
	rc := s.requestContext(c)

	clientID, clientSecret, err := s.clientCredentials(c)
	if err != nil {
		return err
	}

	if !s.cfg.ClientAllowed(clientID) {
		return unauthorizedClient("client ID " + clientID + " is not allowed")
	}

	switch c.FormValue("grant_type") {
	case "authorization_code":
		return s.redeemAuthorizationCode(c, rc, clientID, clientSecret)
	case "refresh_token":
		return s.redeemRefreshToken(c, rc, clientID, clientSecret)
	case "":
		return invalidRequest("grant_type is required")
	default:
		return unsupportedGrantType("supported grant types are authorization_code and refresh_token")
	}
}

func (s *Server) clientCredentials(c echo.Context) (string, string, *Error) {
	basicID, basicSecret, hasBasic := c.Request().BasicAuth()
	formID := c.FormValue("client_id")
	formSecret := c.FormValue("client_secret")

	if hasBasic && (formID != "" || formSecret != "") {
		return "", "", invalidRequest("client credentials cannot be supplied via both form fields and HTTP Basic authentication at the same time")
	}

	clientID, clientSecret := formID, formSecret
	if hasBasic {
		clientID, clientSecret = basicID, basicSecret
	}

	if clientID == "" {
		return "", "", invalidRequest("client_id is required")
	}

	if clientSecret == "" {
		return "", "", invalidClient("client_secret is required")
	}

	return clientID, clientSecret, nil
}

func (s *Server) redeemAuthorizationCode(c echo.Context, rc RequestContext, clientID, clientSecret string) error {
	code := c.FormValue("code")
	if code == "" {
		return invalidRequest("code is required")
	}

	g, ok := s.codes.Consume(code)
	if !ok {
		return invalidGrant("the authorization code is invalid, expired, or already used")
	}

	if g.ClientID != clientID {
		return invalidGrant("the authorization code was issued to a different client")
	}

	redirectURI := c.FormValue("redirect_uri")
	if redirectURI == "" {
		return invalidRequest("redirect_uri is required since it was sent at authorization")
	}

	if fixRedirectURI(rc, redirectURI) != g.RedirectURI {
		return invalidGrant("redirect_uri does not match what was sent at authorization")
	}

	if g.CodeChallenge != "" {
		verifier := c.FormValue("code_verifier")
		if verifier == "" {
			return invalidRequest("code_verifier is required since a code challenge was sent at authorization")
		}

		if !helpers.VerifyCodeChallenge(g.ChallengeMethod, g.CodeChallenge, verifier) {
			return invalidGrant("code_verifier does not match the code challenge")
		}
	}

	ctx := c.Request().Context()

	upstreamToken, err := s.adapter.ExchangeCode(ctx, clientID, clientSecret, g.UpstreamCode, g.RedirectURI)
	if err != nil {
		return invalidGrant("the upstream provider rejected the authorization code")
	}

	return s.mintAndRespond(c, MintParams{
		UpstreamToken: upstreamToken,
		ClientID:      clientID,
		Scopes:        g.Scopes,
		Nonce:         g.Nonce,
		Request:       rc,
	})
}

func (s *Server) redeemRefreshToken(c echo.Context, rc RequestContext, clientID, clientSecret string) error {
	raw := c.FormValue("refresh_token")
	if raw == "" {
		return invalidRequest("refresh_token is required")
	}

	verified, err := s.tokens.VerifyRefresh(raw, rc)
	if err != nil {
		return invalidGrant("the refresh token is invalid or expired")
	}

	// refresh tokens are bound to the client they were issued to
	if verified.ClientID != clientID {
		return invalidGrant("the refresh token was issued to a different client")
	}

	if verified.JTI == "" || !s.usedRefresh.MarkUsed(verified.JTI, time.Unix(verified.ExpiresAt, 0)) {
		return invalidGrant("the refresh token has already been used")
	}

	ctx := c.Request().Context()
	upstreamToken := verified.UpstreamToken

	// providers whose tokens expire hand out upstream refresh tokens;
	// github tokens usually just keep working
	if upstreamToken.RefreshToken != "" {
		refreshed, err := s.adapter.Refresh(ctx, clientID, clientSecret, upstreamToken.RefreshToken)
		if err != nil {
			return invalidGrant("the upstream provider rejected the refresh token")
		}

		upstreamToken = refreshed
	}

	return s.mintAndRespond(c, MintParams{
		UpstreamToken: upstreamToken,
		ClientID:      clientID,
		Scopes:        verified.Scopes,
		Nonce:         verified.Nonce,
		Request:       rc,
	})
}

func (s *Server) mintAndRespond(c echo.Context, params MintParams) error {
	identity, err := s.adapter.FetchIdentity(c.Request().Context(), params.UpstreamToken, params.Scopes)
	if err != nil {
		return serverError("could not fetch the user's identity from the upstream provider")
	}

	params.Identity = identity

	tokens, err := s.tokens.Mint(params)
	if err != nil {
		return serverError("could not issue tokens")
	}

	return c.JSON(200, tokens)
}
