package takagi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"

	"github.com/celsiusnarhwal/takagi/keyset"
	"github.com/celsiusnarhwal/takagi/upstream"
)

const (
	transactionTTL = 10 * time.Minute
	codeTTL        = 5 * time.Minute
)

// Server is the OIDC provider: the flow engine, its stores, and the HTTP
// surface wired onto an echo router.
type Server struct {
	cfg     *Config
	keys    *keyset.Provider
	tokens  *TokenService
	adapter upstream.Adapter

	txns        *txnStore
	codes       *codeStore
	usedRefresh *replayStore

	echo *echo.Echo
	now  func() time.Time
}

type ServerArgs struct {
	Config  *Config
	Keys    *keyset.Provider
	Adapter upstream.Adapter

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewServer(args ServerArgs) *Server {
	if args.Now == nil {
		args.Now = time.Now
	}

	s := &Server{
		cfg:         args.Config,
		keys:        args.Keys,
		tokens:      NewTokenService(args.Keys, args.Config.TokenLifetime, args.Now),
		adapter:     args.Adapter,
		txns:        newTxnStore(transactionTTL, args.Now),
		codes:       newCodeStore(codeTTL, args.Now),
		usedRefresh: newReplayStore(args.Now),
		now:         args.Now,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(slogecho.New(slog.Default()))
	e.Use(s.transportMiddleware)

	root := e.Group(s.basePathPrefix())

	root.GET("/", s.handleRoot)
	root.GET("/health", s.handleHealth)
	root.GET("/authorize", s.handleAuthorize)
	root.GET("/r", s.handleRedirectRoot)
	root.GET("/r/*", s.handleCallback)
	root.POST("/token", s.handleToken)
	root.GET("/userinfo", s.handleUserinfo)
	root.POST("/userinfo", s.handleUserinfo)
	root.POST("/introspect", s.handleIntrospect)
	root.GET("/.well-known/openid-configuration", s.handleDiscovery)
	root.GET("/.well-known/jwks.json", s.handleJWKS)
	root.GET("/.well-known/webfinger", s.handleWebfinger)
	root.GET("/docs", s.handleDocs)
	root.GET("/openapi.json", s.handleOpenAPI)

	s.echo = e

	return s
}

func (s *Server) basePathPrefix() string {
	if s.cfg.BasePath == "/" {
		return ""
	}

	return s.cfg.BasePath
}

// Handler exposes the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr until the listener fails.
func (s *Server) Start(addr string) error {
	httpd := http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return httpd.ListenAndServe()
}

func (s *Server) requestContext(c echo.Context) RequestContext {
	return newRequestContext(c.Request(), s.cfg.BasePath)
}

// transportMiddleware enforces the host allowlist and HTTPS policy on
// every endpoint except /health, which must answer unconditionally.
func (s *Server) transportMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == s.basePathPrefix()+"/health" {
			return next(c)
		}

		rc := s.requestContext(c)

		if !s.cfg.HostAllowed(rc.Host) {
			return invalidRequest("host " + rc.Host + " is not allowed")
		}

		if rc.Scheme != "https" && !(s.cfg.TreatLoopbackAsSecure && isLoopback(rc.Host)) {
			return invalidRequest("this service must be served over HTTPS")
		}

		return next(c)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if oauthErr, ok := err.(*Error); ok {
		_ = c.JSON(oauthErr.Status, oauthErr)
		return
	}

	if httpErr, ok := err.(*echo.HTTPError); ok {
		_ = c.JSON(httpErr.Code, map[string]any{"detail": httpErr.Message})
		return
	}

	slog.Error("unexpected error while handling request", "path", c.Path(), "error", err)

	_ = c.JSON(500, serverError("an unexpected error occurred"))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
