package takagi

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchHostPattern(t *testing.T) {
	assert := assert.New(t)

	assert.True(matchHostPattern("id.example.com", "id.example.com"))
	assert.True(matchHostPattern("ID.Example.com", "id.example.COM"))
	assert.False(matchHostPattern("id.example.com", "other.example.com"))

	assert.True(matchHostPattern("*", "anything.at.all"))

	assert.True(matchHostPattern("*.example.com", "id.example.com"))
	assert.True(matchHostPattern("*.example.com", "deep.id.example.com"))
	assert.False(matchHostPattern("*.example.com", "example.com"))
	assert.False(matchHostPattern("*.example.com", "badexample.com"))
	assert.False(matchHostPattern("*.example.com", ".example.com"))
}

func TestHostAllowedAlwaysAcceptsLoopback(t *testing.T) {
	assert := assert.New(t)

	cfg := &Config{AllowedHosts: []string{"id.example.com"}}

	assert.True(cfg.HostAllowed("id.example.com"))
	assert.True(cfg.HostAllowed("id.example.com:8443"))
	assert.False(cfg.HostAllowed("other.example.com"))

	assert.True(cfg.HostAllowed("localhost"))
	assert.True(cfg.HostAllowed("localhost:8000"))
	assert.True(cfg.HostAllowed("127.0.0.1"))
	assert.True(cfg.HostAllowed("[::1]:8000"))
}

func TestClientAllowed(t *testing.T) {
	assert := assert.New(t)

	open := &Config{AllowedClients: []string{"*"}}
	assert.True(open.ClientAllowed("anything"))

	closed := &Config{AllowedClients: []string{"Iv1.alpha"}}
	assert.True(closed.ClientAllowed("Iv1.alpha"))
	assert.False(closed.ClientAllowed("Iv1.beta"))
}

func TestWebfingerHostAllowed(t *testing.T) {
	assert := assert.New(t)

	cfg := &Config{AllowedWebfingerHosts: []string{"kitauji.ed.jp", "*.rikka.ed.jp"}}

	assert.True(cfg.WebfingerHostAllowed("kitauji.ed.jp"))
	assert.True(cfg.WebfingerHostAllowed("brass.rikka.ed.jp"))
	assert.False(cfg.WebfingerHostAllowed("rikka.ed.jp"))
	assert.False(cfg.WebfingerHostAllowed("elsewhere.example"))

	none := &Config{}
	assert.False(none.WebfingerHostAllowed("kitauji.ed.jp"))
}

func TestIsSecureTransport(t *testing.T) {
	assert := assert.New(t)

	cfg := &Config{TreatLoopbackAsSecure: true}

	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		assert.NoError(err)
		return u
	}

	assert.True(cfg.IsSecureTransport(parse("https://app.example.com/cb")))
	assert.False(cfg.IsSecureTransport(parse("http://app.example.com/cb")))
	assert.True(cfg.IsSecureTransport(parse("http://localhost:3000/cb")))
	assert.True(cfg.IsSecureTransport(parse("http://127.0.0.1/cb")))

	strict := &Config{TreatLoopbackAsSecure: false}
	assert.False(strict.IsSecureTransport(parse("http://localhost:3000/cb")))
}

func TestRequestContextIssuer(t *testing.T) {
	assert := assert.New(t)

	req := httptest.NewRequest("GET", "http://id.example.com/authorize", nil)

	rc := newRequestContext(req, "/")
	assert.Equal("http://id.example.com", rc.Issuer())
	assert.Equal("http://id.example.com/userinfo", rc.URLFor("/userinfo"))

	rc = newRequestContext(req, "/oidc")
	assert.Equal("http://id.example.com/oidc", rc.Issuer())

	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "id.public.example")

	rc = newRequestContext(req, "/")
	assert.Equal("https://id.public.example", rc.Issuer())
}

func TestFixRedirectURIRoundTrip(t *testing.T) {
	assert := assert.New(t)

	rc := RequestContext{Scheme: "https", Host: "id.example.com", BasePath: "/"}

	fixed := fixRedirectURI(rc, "https://app.example.com/cb")
	assert.Equal("https://id.example.com/r/https://app.example.com/cb", fixed)

	// already-fixed URIs pass through unchanged
	assert.Equal(fixed, fixRedirectURI(rc, fixed))

	assert.Equal("https://app.example.com/cb", redirectDestination(rc, fixed))
}
