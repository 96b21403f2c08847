package takagi

import (
	"net/mail"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	repoURL   = "https://github.com/celsiusnarhwal/takagi"
	issuerRel = "http://openid.net/specs/connect/1.0/issuer"
)

var supportedScopes = []string{"openid", "profile", "email", "groups"}

var supportedClaims = []string{
	"sub",
	"preferred_username",
	"name",
	"nickname",
	"picture",
	"profile",
	"updated_at",
	"email",
	"email_verified",
	"groups",
}

// handleDiscovery serves the OpenID Connect Discovery 1.0 document. Every
// URL in it is derived from the request's observed origin.
func (s *Server) handleDiscovery(c echo.Context) error {
	rc := s.requestContext(c)

	return c.JSON(200, map[string]any{
		"issuer":                                rc.Issuer(),
		"authorization_endpoint":                rc.URLFor("/authorize"),
		"token_endpoint":                        rc.URLFor("/token"),
		"userinfo_endpoint":                     rc.URLFor("/userinfo"),
		"introspection_endpoint":                rc.URLFor("/introspect"),
		"jwks_uri":                              rc.URLFor("/.well-known/jwks.json"),
		"claims_supported":                      supportedClaims,
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"scopes_supported":                      supportedScopes,
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"service_documentation":                 repoURL,
	})
}

// handleJWKS serves the public parameters of the signing key. The
// encryption key and all private material stay out of the response.
func (s *Server) handleJWKS(c echo.Context) error {
	jwks, err := s.keys.Current().PublicJWKS()
	if err != nil {
		return serverError("could not serialize the public key set")
	}

	return c.JSON(200, jwks)
}

// handleWebfinger implements the slice of WebFinger that OIDC issuer
// discovery needs: acct: resources whose email domain passes the
// allowlist. Everything else does not exist, as far as callers can tell.
func (s *Server) handleWebfinger(c echo.Context) error {
	rc := s.requestContext(c)

	resource := c.QueryParam("resource")

	address, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return echo.NewHTTPError(404, "the resource "+resource+" does not exist on this server")
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return echo.NewHTTPError(404, "the resource "+resource+" does not exist on this server")
	}

	domain := address[strings.LastIndex(address, "@")+1:]

	if !s.cfg.WebfingerHostAllowed(domain) {
		return echo.NewHTTPError(404, "the resource "+resource+" does not exist on this server")
	}

	links := []map[string]string{}

	rel := c.QueryParam("rel")
	if rel == "" || rel == issuerRel {
		links = append(links, map[string]string{
			"rel":  issuerRel,
			"href": rc.Issuer(),
		})
	}

	return c.JSON(200, map[string]any{
		"subject": resource,
		"links":   links,
	})
}

func (s *Server) handleRoot(c echo.Context) error {
	rc := s.requestContext(c)

	switch s.cfg.RootRedirect {
	case "repo":
		return c.Redirect(302, repoURL)
	case "settings":
		return c.Redirect(302, s.adapter.SettingsURL())
	case "docs":
		return c.Redirect(302, rc.URLFor("/docs"))
	default:
		return echo.NewHTTPError(404)
	}
}
