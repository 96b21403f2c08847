package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// GitHub presents github.com as an upstream identity provider. GitHub
// access tokens do not expire by default, so refresh tokens only appear
// when the upstream application has token expiration enabled.
type GitHub struct {
	h            *http.Client
	authorizeURL string
	tokenURL     string
	apiBaseURL   string
}

type GitHubArgs struct {
	H            *http.Client
	AuthorizeURL string
	TokenURL     string
	APIBaseURL   string
}

func NewGitHub(args GitHubArgs) *GitHub {
	if args.H == nil {
		args.H = cleanhttp.DefaultClient()
		args.H.Timeout = 10 * time.Second
	}

	if args.AuthorizeURL == "" {
		args.AuthorizeURL = "https://github.com/login/oauth/authorize"
	}

	if args.TokenURL == "" {
		args.TokenURL = "https://github.com/login/oauth/access_token"
	}

	if args.APIBaseURL == "" {
		args.APIBaseURL = "https://api.github.com"
	}

	return &GitHub{
		h:            args.H,
		authorizeURL: args.AuthorizeURL,
		tokenURL:     args.TokenURL,
		apiBaseURL:   args.APIBaseURL,
	}
}

func (g *GitHub) Name() string {
	return "github"
}

func (g *GitHub) SettingsURL() string {
	return "https://github.com/settings"
}

func (g *GitHub) Scopes(oidcScopes []string) []string {
	var scopes []string

	if scopeGranted(oidcScopes, "email") {
		scopes = append(scopes, "user:email")
	}

	if scopeGranted(oidcScopes, "groups") {
		scopes = append(scopes, "read:org")
	}

	return scopes
}

func (g *GitHub) AuthorizeURL(clientID, redirectURI, state string, scopes []string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
	}

	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}

	return g.authorizeURL + "?" + params.Encode()
}

func (g *GitHub) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*Token, error) {
	params := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
	}

	return g.tokenRequest(ctx, params)
}

func (g *GitHub) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error) {
	params := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	return g.tokenRequest(ctx, params)
}

func (g *GitHub) tokenRequest(ctx context.Context, params url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", g.tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not get response from github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("received non-200 response from github token endpoint. code was %d", resp.StatusCode)
	}

	// github reports failures as a 200 with an error field
	var body struct {
		Token
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("could not unmarshal token response: %w", err)
	}

	if body.Error != "" {
		return nil, fmt.Errorf("github rejected the token request: %s", body.Error)
	}

	if body.AccessToken == "" {
		return nil, fmt.Errorf("github token response contained no access token")
	}

	return &body.Token, nil
}

type githubUser struct {
	ID        int64   `json:"id"`
	Login     string  `json:"login"`
	Name      string  `json:"name"`
	AvatarURL string  `json:"avatar_url"`
	HTMLURL   string  `json:"html_url"`
	UpdatedAt string  `json:"updated_at"`
	Email     *string `json:"email"`
}

func (g *GitHub) FetchIdentity(ctx context.Context, tok *Token, scopes []string) (*Identity, error) {
	var user githubUser
	if err := g.apiGet(ctx, tok, "/user", &user); err != nil {
		return nil, err
	}

	identity := &Identity{
		ID:         strconv.FormatInt(user.ID, 10),
		Username:   user.Login,
		Name:       user.Name,
		AvatarURL:  user.AvatarURL,
		ProfileURL: user.HTMLURL,
	}

	if t, err := time.Parse(time.RFC3339, user.UpdatedAt); err == nil {
		identity.UpdatedAt = &t
	}

	if scopeGranted(scopes, "email") && user.Email != nil && *user.Email != "" {
		verified := true
		identity.Email = *user.Email
		identity.EmailVerified = &verified
	}

	if scopeGranted(scopes, "groups") {
		var orgs []struct {
			ID int64 `json:"id"`
		}

		// membership is an optional claim; an orgs failure drops it
		if err := g.apiGet(ctx, tok, "/user/orgs", &orgs); err == nil {
			for _, org := range orgs {
				identity.Groups = append(identity.Groups, strconv.FormatInt(org.ID, 10))
			}
		}
	}

	return identity, nil
}

func (g *GitHub) apiGet(ctx context.Context, tok *Token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", g.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", path, err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := g.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("received non-200 response from github for %s. code was %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not unmarshal response for %s: %w", path, err)
	}

	return nil
}
