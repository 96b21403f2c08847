package takagi

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// handleDocs serves an interactive API reference over the OpenAPI
// document when docs are enabled.
func (s *Server) handleDocs(c echo.Context) error {
	if !s.cfg.EnableDocs {
		return echo.NewHTTPError(404)
	}

	rc := s.requestContext(c)

	page := fmt.Sprintf(`<!doctype html>
<html>
  <head>
    <title>Takagi</title>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
  </head>
  <body>
    <script id="api-reference" data-url="%s"></script>
    <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
  </body>
</html>
`, rc.URLFor("/openapi.json"))

	return c.HTML(200, page)
}

func (s *Server) handleOpenAPI(c echo.Context) error {
	if !s.cfg.EnableDocs {
		return echo.NewHTTPError(404)
	}

	rc := s.requestContext(c)

	operation := func(summary string) map[string]any {
		return map[string]any{
			"summary":   summary,
			"responses": map[string]any{"200": map[string]any{"description": "Successful Response"}},
		}
	}

	return c.JSON(200, map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "Takagi",
			"description": "Takagi lets you use " + s.adapter.Name() + " as an OpenID Connect provider.",
			"version":     "2.0.0",
		},
		"servers": []map[string]any{{"url": rc.Issuer()}},
		"paths": map[string]any{
			"/authorize":                        map[string]any{"get": operation("Authorization")},
			"/r/{redirect_uri}":                 map[string]any{"get": operation("Callback")},
			"/token":                            map[string]any{"post": operation("Token")},
			"/userinfo":                         map[string]any{"get": operation("User Info"), "post": operation("User Info")},
			"/introspect":                       map[string]any{"post": operation("Introspection")},
			"/health":                           map[string]any{"get": operation("Healthcheck")},
			"/.well-known/openid-configuration": map[string]any{"get": operation("Discovery")},
			"/.well-known/jwks.json":            map[string]any{"get": operation("JWKS")},
			"/.well-known/webfinger":            map[string]any{"get": operation("WebFinger")},
		},
	})
}
