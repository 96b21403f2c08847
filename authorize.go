package takagi

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/celsiusnarhwal/takagi/internal/helpers"
)

// handleAuthorize begins an authorization transaction: validate the
// request, record it under an opaque state reference, and send the
// browser to the upstream authorization endpoint.
func (s *Server) handleAuthorize(c echo.Context) error {
	rc := s.requestContext(c)

	clientID := c.QueryParam("client_id")
	if clientID == "" {
		return invalidRequest("client_id is required")
	}

	if !s.cfg.ClientAllowed(clientID) {
		return unauthorizedClient("client ID " + clientID + " is not allowed")
	}

	redirectURI := c.QueryParam("redirect_uri")
	if redirectURI == "" {
		return invalidRequest("redirect_uri is required")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return invalidRequest("redirect_uri is not a valid absolute URL")
	}

	if !s.cfg.IsSecureTransport(parsed) {
		return invalidRequest("redirect URI " + redirectURI + " is insecure. Redirect URIs must be either HTTPS or localhost")
	}

	fixed := fixRedirectURI(rc, redirectURI)
	if fixed != redirectURI {
		if !s.cfg.FixRedirectURIs {
			return invalidRequest("redirect URI must be a subpath of " + redirectEndpoint(rc) + " (e.g., " + fixed + ")")
		}

		redirectURI = fixed
	}

	scopes := strings.Fields(c.QueryParam("scope"))
	if !granted(scopes, "openid") {
		return invalidScope("the openid scope is required")
	}

	// from here on the redirect URI is validated; errors go back to the
	// relying party as error query parameters
	destination := redirectDestination(rc, redirectURI)
	rpState := c.QueryParam("state")

	if c.QueryParam("response_type") != "code" {
		return s.redirectError(c, destination, rpState, "unsupported_response_type", "only the code response type is supported")
	}

	challenge := c.QueryParam("code_challenge")
	method := c.QueryParam("code_challenge_method")

	if challenge != "" {
		if method == "" {
			method = "plain"
		}

		if method != "S256" && method != "plain" {
			return s.redirectError(c, destination, rpState, "invalid_request", "code_challenge_method must be S256 or plain")
		}
	}

	returnToReferrer := s.cfg.ReturnToReferrer
	if v := c.QueryParam("return"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s.redirectError(c, destination, rpState, "invalid_request", "return must be a boolean")
		}

		returnToReferrer = b
	}

	stateRef := uuid.NewString()

	s.txns.Put(stateRef, &AuthorizationRequest{
		ClientID:         clientID,
		Scopes:           scopes,
		RedirectURI:      redirectURI,
		State:            rpState,
		Nonce:            c.QueryParam("nonce"),
		CodeChallenge:    challenge,
		ChallengeMethod:  method,
		Referer:          rc.Referer,
		ReturnToReferrer: returnToReferrer,
		Issuer:           rc.Issuer(),
	})

	authorizeURL := s.adapter.AuthorizeURL(clientID, redirectURI, stateRef, s.adapter.Scopes(scopes))

	return c.Redirect(302, authorizeURL)
}

func (s *Server) handleRedirectRoot(c echo.Context) error {
	return echo.NewHTTPError(404)
}

// handleCallback receives the upstream redirect, retires the transaction,
// and forwards the browser to the relying party with a single-use
// authorization code. The authoritative redirect URI is the one captured
// at /authorize; the callback path only has to agree with it.
func (s *Server) handleCallback(c echo.Context) error {
	rc := s.requestContext(c)

	stateRef := c.QueryParam("state")
	if stateRef == "" {
		return invalidRequest("state is required")
	}

	txn, ok := s.txns.Consume(stateRef)
	if !ok {
		return invalidRequest("unknown or expired authorization request")
	}

	if rc.Issuer() != txn.Issuer {
		return invalidRequest("the callback host does not match the authorization host")
	}

	reconstructed := redirectEndpoint(rc) + "/" + c.Param("*")
	if reconstructed != txn.RedirectURI {
		return invalidRequest("redirect URI does not match what was sent at authorization")
	}

	destination := redirectDestination(rc, txn.RedirectURI)
	upstreamError := c.QueryParam("error")

	if upstreamError == "access_denied" && txn.ReturnToReferrer && txn.Referer != "" {
		return c.Redirect(302, txn.Referer)
	}

	if upstreamError != "" {
		return s.redirectError(c, destination, txn.State, upstreamError, c.QueryParam("error_description"))
	}

	upstreamCode := c.QueryParam("code")
	if upstreamCode == "" {
		return s.redirectError(c, destination, txn.State, "server_error", "upstream returned neither a code nor an error")
	}

	code, err := helpers.GenerateToken(32)
	if err != nil {
		return s.redirectError(c, destination, txn.State, "server_error", "could not issue an authorization code")
	}

	s.codes.Put(code, &grant{
		UpstreamCode:    upstreamCode,
		ClientID:        txn.ClientID,
		RedirectURI:     txn.RedirectURI,
		Scopes:          txn.Scopes,
		Nonce:           txn.Nonce,
		CodeChallenge:   txn.CodeChallenge,
		ChallengeMethod: txn.ChallengeMethod,
	})

	return s.redirectWithParams(c, destination, url.Values{
		"code":  {code},
		"state": {txn.State},
	})
}

func (s *Server) redirectError(c echo.Context, destination, rpState, code, description string) error {
	return s.redirectWithParams(c, destination, url.Values{
		"error":             {code},
		"error_description": {description},
		"state":             {rpState},
	})
}

func (s *Server) redirectWithParams(c echo.Context, destination string, params url.Values) error {
	u, err := url.Parse(destination)
	if err != nil {
		return invalidRequest("redirect URI is not a valid URL")
	}

	query := u.Query()

	for name, values := range params {
		if len(values) > 0 && values[0] != "" {
			query.Set(name, values[0])
		}
	}

	u.RawQuery = query.Encode()

	return c.Redirect(302, u.String())
}
