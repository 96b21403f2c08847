package takagi

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
)

// handleUserinfo returns current claims for the user behind a bearer
// access token. The token's audience must be the userinfo URL as observed
// on this request; an ID token is never accepted here.
func (s *Server) handleUserinfo(c echo.Context) error {
	rc := s.requestContext(c)

	raw, ok := bearerToken(c)
	if !ok {
		c.Response().Header().Set("WWW-Authenticate", "Bearer")
		return invalidToken("a bearer access token is required")
	}

	verified, err := s.tokens.VerifyAccess(raw, rc)
	if err != nil {
		if errors.Is(err, errWrongTokenUse) {
			return invalidRequest("an ID token cannot be used as a bearer credential")
		}

		c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return invalidToken("the access token could not be verified")
	}

	identity, err := s.adapter.FetchIdentity(c.Request().Context(), verified.UpstreamToken, verified.Scopes)
	if err != nil {
		c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return invalidToken("the upstream provider rejected the embedded token")
	}

	return c.JSON(200, ProjectClaims(identity, verified.Scopes))
}

// handleIntrospect implements RFC 7662. Tokens that fail verification for
// any reason are reported inactive rather than as errors.
func (s *Server) handleIntrospect(c echo.Context) error {
	rc := s.requestContext(c)

	raw := c.FormValue("token")
	if raw == "" {
		return invalidRequest("token is required")
	}

	inactive := map[string]any{"active": false}

	verified, err := s.tokens.VerifyAccess(raw, rc)
	if err != nil {
		return c.JSON(200, inactive)
	}

	identity, err := s.adapter.FetchIdentity(c.Request().Context(), verified.UpstreamToken, verified.Scopes)
	if err != nil {
		return c.JSON(200, inactive)
	}

	return c.JSON(200, map[string]any{
		"active":     true,
		"sub":        verified.Subject,
		"username":   identity.Username,
		"client_id":  verified.ClientID,
		"scope":      strings.Join(verified.Scopes, " "),
		"token_type": "Bearer",
		"iss":        verified.Issuer,
		"aud":        verified.Audience,
		"iat":        verified.IssuedAt,
		"exp":        verified.ExpiresAt,
	})
}

func bearerToken(c echo.Context) (string, bool) {
	header := c.Request().Header.Get("Authorization")

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	return token, true
}
