// Package keygen derives stable rate limit keys from request attributes.
package keygen

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"rategate/internal/common/errors"
)

// RequestContext carries the request attributes a Generator may inspect.
// Header names are canonicalized on insert so lookups are case-insensitive.
type RequestContext struct {
	RemoteAddr string
	UserID     string
	headers    map[string]string
}

// NewRequestContext builds a RequestContext from a remote address and a set
// of header values.
func NewRequestContext(remoteAddr string, headers map[string]string) RequestContext {
	ctx := RequestContext{RemoteAddr: remoteAddr, headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		ctx.headers[http.CanonicalHeaderKey(k)] = v
	}
	return ctx
}

// FromHTTP builds a RequestContext from an incoming HTTP request.
func FromHTTP(r *http.Request) RequestContext {
	ctx := RequestContext{RemoteAddr: r.RemoteAddr, headers: make(map[string]string)}
	for name := range r.Header {
		ctx.headers[name] = r.Header.Get(name)
	}
	if ctx.UserID == "" {
		ctx.UserID = r.Header.Get("X-User-ID")
	}
	return ctx
}

// Header returns the value for a header, or "" if absent.
func (c RequestContext) Header(name string) string {
	return c.headers[http.CanonicalHeaderKey(name)]
}

// Generator derives a rate limit key from a request. Implementations must be
// pure: no I/O, no mutation, identical input yields identical output.
type Generator interface {
	Key(ctx RequestContext) (string, error)
}

// IP keys requests by client address. Proxy headers are preferred over the
// raw socket address: X-Forwarded-For (first hop), then X-Real-IP, then
// RemoteAddr.
type IP struct{}

// Key derives an "ip:" prefixed key or fails when every source is absent.
func (IP) Key(ctx RequestContext) (string, error) {
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		// first hop is the original client
		if idx := strings.Index(xff, ","); idx >= 0 {
			xff = xff[:idx]
		}
		return "ip:" + strings.TrimSpace(xff), nil
	}
	if real := ctx.Header("X-Real-IP"); real != "" {
		return "ip:" + strings.TrimSpace(real), nil
	}
	if ctx.RemoteAddr != "" {
		host := ctx.RemoteAddr
		if h, _, err := net.SplitHostPort(ctx.RemoteAddr); err == nil {
			host = h
		}
		return "ip:" + host, nil
	}
	return "", errors.KeyError("ip")
}

// User keys requests by the authenticated user id, taken from the explicit
// context field or the X-User-ID header.
type User struct{}

// Key derives a "user:" prefixed key.
func (User) Key(ctx RequestContext) (string, error) {
	if ctx.UserID != "" {
		return "user:" + ctx.UserID, nil
	}
	if id := ctx.Header("X-User-ID"); id != "" {
		return "user:" + id, nil
	}
	return "", errors.KeyError("user_id")
}

// APIKey keys requests by the X-API-Key header.
type APIKey struct{}

// Key derives an "api:" prefixed key.
func (APIKey) Key(ctx RequestContext) (string, error) {
	if k := ctx.Header("X-API-Key"); k != "" {
		return "api:" + k, nil
	}
	return "", errors.KeyError("api_key")
}

// Composite joins the keys of its parts with a separator. Every part must
// resolve; a single missing attribute fails the whole key.
type Composite struct {
	Parts     []Generator
	Separator string
}

// NewComposite builds a Composite generator. The separator defaults to ":".
func NewComposite(sep string, parts ...Generator) Composite {
	if sep == "" {
		sep = ":"
	}
	return Composite{Parts: parts, Separator: sep}
}

// Key derives the joined key of all parts in order.
func (c Composite) Key(ctx RequestContext) (string, error) {
	if len(c.Parts) == 0 {
		return "", errors.ConfigError("composite key generator requires at least one part")
	}
	parts := make([]string, 0, len(c.Parts))
	for _, g := range c.Parts {
		k, err := g.Key(ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, k)
	}
	return strings.Join(parts, c.Separator), nil
}

// Static always returns the same key. Used for global scopes that share one
// quota across all callers.
type Static struct {
	Value string
}

// Key returns the fixed value.
func (s Static) Key(RequestContext) (string, error) {
	if s.Value == "" {
		return "", errors.ConfigError("static key generator requires a value")
	}
	return s.Value, nil
}

// Endpoint keys requests by method and path, taken from synthetic headers
// set by the HTTP layer.
type Endpoint struct{}

// Key derives an "endpoint:" prefixed key.
func (Endpoint) Key(ctx RequestContext) (string, error) {
	method := ctx.Header("X-Request-Method")
	path := ctx.Header("X-Request-Path")
	if method == "" || path == "" {
		return "", errors.KeyError("endpoint")
	}
	return fmt.Sprintf("endpoint:%s:%s", method, path), nil
}
