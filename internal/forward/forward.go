// Package forward provides the ways the dispatcher hands a request on: to an
// in-process handler, to a reverse-proxied origin, or to a redirect.
package forward

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Forwarder delivers a request it did not handle itself. Implementations
// must not alter the request before it reaches its destination.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request)
}

// HandlerFunc adapts a plain function to a Forwarder.
type HandlerFunc func(w http.ResponseWriter, r *http.Request)

// Forward calls f(w, r).
func (f HandlerFunc) Forward(w http.ResponseWriter, r *http.Request) {
	f(w, r)
}

// Handler forwards to an in-process http.Handler.
func Handler(h http.Handler) Forwarder {
	return HandlerFunc(h.ServeHTTP)
}

// Proxy forwards to an upstream origin, preserving method, path, query,
// headers and body.
type Proxy struct {
	origin *url.URL
	proxy  *httputil.ReverseProxy
	logger *zap.Logger
}

// NewProxy builds a Proxy for rawOrigin.
func NewProxy(rawOrigin string, logger *zap.Logger) (*Proxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origin, err := url.Parse(strings.TrimSpace(rawOrigin))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, errors.New("origin must be an absolute URL")
	}

	p := &Proxy{origin: origin, logger: logger.Named("forward")}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
			pr.Out.Host = origin.Host
		},
		ErrorHandler: p.handleError,
	}
	return p, nil
}

// Forward proxies the request to the origin.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

// Origin returns the upstream base URL.
func (p *Proxy) Origin() string {
	return p.origin.String()
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Warn("origin request failed",
		zap.String("origin", p.origin.Host),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	w.WriteHeader(http.StatusBadGateway)
}

// Redirect answers with a redirect to the URL computed by target.
type Redirect struct {
	target func(r *http.Request) string
	code   int
}

// NewRedirect builds a Redirect; a code outside 3xx becomes 302.
func NewRedirect(target func(r *http.Request) string, code int) *Redirect {
	if code < 300 || code > 399 {
		code = http.StatusFound
	}
	return &Redirect{target: target, code: code}
}

// Forward writes the redirect.
func (rd *Redirect) Forward(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, rd.target(r), rd.code)
}

// SamePath returns a redirect target that keeps the request path and query
// but moves them onto base.
func SamePath(base string) func(r *http.Request) string {
	base = strings.TrimRight(base, "/")
	return func(r *http.Request) string {
		target := base + r.URL.EscapedPath()
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		return target
	}
}
