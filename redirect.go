package auth

import (
	"net"
	"net/url"
	"strings"
)

// RedirectConfig describes how redirect URLs are computed.
type RedirectConfig struct {
	// PublicOrigin is the canonical deployed origin, used when the app runs
	// standalone and its own origin cannot receive redirects.
	PublicOrigin string
	// BasePath is the deployed hosting root (e.g. "/app"). It is not applied
	// on local development hosts.
	BasePath          string
	CallbackPath      string
	ResetPasswordPath string
}

// RedirectResolver builds provider redirect URLs from the current origin.
type RedirectResolver struct {
	platform Platform
	cfg      RedirectConfig
}

// NewRedirectResolver creates a resolver for platform.
func NewRedirectResolver(platform Platform, cfg RedirectConfig) *RedirectResolver {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/auth/callback"
	}
	if cfg.ResetPasswordPath == "" {
		cfg.ResetPasswordPath = "/reset-password"
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.BasePath == "/" {
		cfg.BasePath = ""
	}
	return &RedirectResolver{platform: platform, cfg: cfg}
}

// CallbackURL is the redirect-back URL handed to OAuth and confirmation flows.
func (r *RedirectResolver) CallbackURL() string {
	return r.URL(r.cfg.CallbackPath)
}

// ResetPasswordURL is the landing page for password reset emails.
func (r *RedirectResolver) ResetPasswordURL() string {
	return r.URL(r.cfg.ResetPasswordPath)
}

// CallbackPath returns the configured redirect-back path.
func (r *RedirectResolver) CallbackPath() string {
	return r.cfg.CallbackPath
}

// URL joins path onto the effective origin.
func (r *RedirectResolver) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	origin := ""
	if r.platform != nil {
		origin = strings.TrimRight(r.platform.Origin(), "/")
	}

	if r.platform != nil && r.platform.IsStandalone() && r.cfg.PublicOrigin != "" {
		return strings.TrimRight(r.cfg.PublicOrigin, "/") + r.cfg.BasePath + path
	}

	if isLocalOrigin(origin) {
		return origin + path
	}
	return origin + r.cfg.BasePath + path
}

// IsCallbackPath reports whether path is the redirect-back route, with or
// without the deployed base path.
func (r *RedirectResolver) IsCallbackPath(path string) bool {
	path = strings.TrimRight(path, "/")
	cb := strings.TrimRight(r.cfg.CallbackPath, "/")
	return path == cb || (r.cfg.BasePath != "" && path == r.cfg.BasePath+cb)
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
