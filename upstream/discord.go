package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Discord presents discord.com as an upstream identity provider (the
// Snowflake build). Discord rejects authorization requests that carry no
// scopes, so Scopes always includes identify even when the relying party
// asked only for openid.
type Discord struct {
	h            *http.Client
	authorizeURL string
	tokenURL     string
	apiBaseURL   string
	cdnBaseURL   string
}

type DiscordArgs struct {
	H            *http.Client
	AuthorizeURL string
	TokenURL     string
	APIBaseURL   string
	CDNBaseURL   string
}

func NewDiscord(args DiscordArgs) *Discord {
	if args.H == nil {
		args.H = cleanhttp.DefaultClient()
		args.H.Timeout = 10 * time.Second
	}

	if args.AuthorizeURL == "" {
		args.AuthorizeURL = "https://discord.com/oauth2/authorize"
	}

	if args.TokenURL == "" {
		args.TokenURL = "https://discord.com/api/oauth2/token"
	}

	if args.APIBaseURL == "" {
		args.APIBaseURL = "https://discord.com/api"
	}

	if args.CDNBaseURL == "" {
		args.CDNBaseURL = "https://cdn.discordapp.com"
	}

	return &Discord{
		h:            args.H,
		authorizeURL: args.AuthorizeURL,
		tokenURL:     args.TokenURL,
		apiBaseURL:   args.APIBaseURL,
		cdnBaseURL:   args.CDNBaseURL,
	}
}

func (d *Discord) Name() string {
	return "discord"
}

func (d *Discord) SettingsURL() string {
	return "https://discord.com/channels/@me"
}

func (d *Discord) Scopes(oidcScopes []string) []string {
	scopes := []string{"identify"}

	if scopeGranted(oidcScopes, "email") {
		scopes = append(scopes, "email")
	}

	if scopeGranted(oidcScopes, "groups") {
		scopes = append(scopes, "guilds")
	}

	return scopes
}

func (d *Discord) AuthorizeURL(clientID, redirectURI, state string, scopes []string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
		"scope":         {strings.Join(scopes, " ")},
	}

	return d.authorizeURL + "?" + params.Encode()
}

func (d *Discord) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*Token, error) {
	params := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
	}

	return d.tokenRequest(ctx, params)
}

func (d *Discord) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error) {
	params := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	return d.tokenRequest(ctx, params)
}

func (d *Discord) tokenRequest(ctx context.Context, params url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", d.tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not get response from discord: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("received non-200 response from discord token endpoint. code was %d", resp.StatusCode)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("could not unmarshal token response: %w", err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("discord token response contained no access token")
	}

	return &tok, nil
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Email      string `json:"email"`
	Verified   *bool  `json:"verified"`
}

func (d *Discord) FetchIdentity(ctx context.Context, tok *Token, scopes []string) (*Identity, error) {
	var user discordUser
	if err := d.apiGet(ctx, tok, "/users/@me", &user); err != nil {
		return nil, err
	}

	name := user.GlobalName
	if name == "" {
		name = user.Username
	}

	identity := &Identity{
		ID:         user.ID,
		Username:   user.Username,
		Name:       name,
		ProfileURL: "https://discord.com/users/" + user.ID,
	}

	if user.Avatar != "" {
		identity.AvatarURL = fmt.Sprintf("%s/avatars/%s/%s.png", d.cdnBaseURL, user.ID, user.Avatar)
	}

	if scopeGranted(scopes, "email") && user.Email != "" {
		identity.Email = user.Email
		identity.EmailVerified = user.Verified
	}

	if scopeGranted(scopes, "groups") {
		var guilds []struct {
			ID string `json:"id"`
		}

		if err := d.apiGet(ctx, tok, "/users/@me/guilds", &guilds); err == nil {
			for _, guild := range guilds {
				identity.Groups = append(identity.Groups, guild.ID)
			}
		}
	}

	return identity, nil
}

func (d *Discord) apiGet(ctx context.Context, tok *Token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", d.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", path, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := d.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from discord: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("received non-200 response from discord for %s. code was %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not unmarshal response for %s: %w", path, err)
	}

	return nil
}
