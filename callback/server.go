// Package callback serves the OAuth redirect-back route for clients that sign
// in through the system browser, such as the command line tool.
package callback

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	auth "github.com/vanguardgg/go-auth-client"
)

// Option customizes a Server.
type Option func(*Server)

// WithPath overrides the route served. Defaults to the store's callback path.
func WithPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(logger auth.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithResolverOptions passes options to every resolver the server creates.
func WithResolverOptions(opts ...auth.CallbackOption) Option {
	return func(s *Server) {
		s.resolverOpts = append(s.resolverOpts, opts...)
	}
}

// Server hosts the callback route. Every request gets a fresh resolver; the
// first outcome is reported on Results.
type Server struct {
	app          *fiber.App
	store        *auth.Store
	path         string
	logger       auth.Logger
	resolverOpts []auth.CallbackOption
	results      chan auth.CallbackOutcome
}

// New creates a Server bound to store.
func New(store *auth.Store, opts ...Option) *Server {
	s := &Server{
		store:   store,
		path:    store.Redirects().CallbackPath(),
		logger:  auth.NopLogger(),
		results: make(chan auth.CallbackOutcome, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		AppName:               "vanguard-auth-callback",
	})
	s.app.Get(s.path, s.handle)
	return s
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Path returns the served route.
func (s *Server) Path() string {
	return s.path
}

// Results delivers the outcome of the first resolved request.
func (s *Server) Results() <-chan auth.CallbackOutcome {
	return s.results
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Wait blocks until a callback resolves or ctx is done.
func (s *Server) Wait(ctx context.Context) (auth.CallbackOutcome, error) {
	select {
	case out := <-s.results:
		return out, nil
	case <-ctx.Done():
		return auth.CallbackOutcome{}, ctx.Err()
	}
}

func (s *Server) handle(c *fiber.Ctx) error {
	u, err := url.Parse(c.BaseURL() + c.OriginalURL())
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid callback url")
	}

	resolver := s.store.NewCallbackResolver(s.resolverOpts...)
	defer resolver.Close()

	out := resolver.Resolve(c.UserContext(), u)
	if out.Err != nil {
		s.logger.Warn("callback request failed", "path", out.Path, "error", auth.RichError(out.Err))
	} else {
		s.logger.Info("callback request resolved", "status", out.Status, "path", out.Path)
	}

	select {
	case s.results <- out:
	default:
	}

	status := http.StatusOK
	if out.Status != auth.CallbackSuccess {
		status = http.StatusBadRequest
	}

	if c.Accepts(fiber.MIMETextHTML, fiber.MIMEApplicationJSON) == fiber.MIMEApplicationJSON {
		body := fiber.Map{
			"status":  out.Status,
			"message": out.Message,
			"path":    out.Path,
		}
		if out.User != nil {
			body["user_id"] = out.User.ID
			body["email"] = out.User.Email
		}
		if out.Err != nil {
			body["text_code"] = auth.RichError(out.Err).TextCode
		}
		if out.CleanURL != nil {
			body["location"] = out.CleanURL.String()
		}
		return c.Status(status).JSON(body)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).SendString(page(out))
}

func page(out auth.CallbackOutcome) string {
	title := "Sign-in complete"
	if out.Status != auth.CallbackSuccess {
		title = "Sign-in failed"
	}
	return fmt.Sprintf(`<!doctype html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body><h1>%s</h1><p>%s</p><p>You can close this window and return to the terminal.</p></body></html>`,
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(out.Message))
}
