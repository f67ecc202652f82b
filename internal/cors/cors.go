// Package cors answers CORS preflights locally and decorates proxied
// responses with the effective cross-origin policy of an upstream.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

var defaultMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

// Policy is a compiled CORS config.
type Policy struct {
	allowOrigins     []string
	allowAllOrigins  bool
	allowMethods     []string
	allowHeaders     []string
	allowAllHeaders  bool
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

// New compiles cfg. The wildcard origin combined with credentials is
// refused.
func New(cfg *model.CORSConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Forbidden("%v", err)
	}
	p := &Policy{
		allowOrigins:     cfg.AllowedOrigins,
		allowCredentials: cfg.AllowCredentials,
		allowMethods:     cfg.AllowedMethods,
		allowHeaders:     cfg.AllowedHeaders,
	}
	if len(p.allowMethods) == 0 {
		p.allowMethods = defaultMethods
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.allowAllOrigins = true
			continue
		}
		if !doublestar.ValidatePattern(o) {
			return nil, errors.Forbidden("allowed origin pattern %q is malformed", o)
		}
	}
	for _, h := range cfg.AllowedHeaders {
		if h == "*" {
			p.allowAllHeaders = true
			break
		}
	}
	if len(cfg.ExposeHeaders) > 0 {
		p.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p, nil
}

// IsPreflight returns true if the request is a CORS preflight
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// Preflight answers a preflight with 204, or returns a 403 gateway error
// when the origin, method or any requested header is not allowed. The
// upstream is never contacted.
func (p *Policy) Preflight(w http.ResponseWriter, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if !p.isOriginAllowed(origin) {
		return errors.Forbidden("origin %q is not allowed", origin)
	}
	method := r.Header.Get("Access-Control-Request-Method")
	if !containsFold(p.allowMethods, method) {
		return errors.Forbidden("method %q is not allowed", method)
	}
	requested := splitList(r.Header.Get("Access-Control-Request-Headers"))
	if !p.allowAllHeaders {
		for _, h := range requested {
			if !containsFold(p.allowHeaders, h) {
				return errors.Forbidden("header %q is not allowed", h)
			}
		}
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", p.responseOrigin(origin))
	h.Set("Access-Control-Allow-Methods", strings.Join(p.allowMethods, ", "))
	switch {
	case p.allowAllHeaders && len(requested) > 0:
		h.Set("Access-Control-Allow-Headers", strings.Join(requested, ", "))
	case len(p.allowHeaders) > 0 && !p.allowAllHeaders:
		h.Set("Access-Control-Allow-Headers", strings.Join(p.allowHeaders, ", "))
	}
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
	h.Add("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Check rejects an actual cross-origin request from a disallowed origin.
// Requests without an Origin header are not cross-origin and pass.
func (p *Policy) Check(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" || p.isOriginAllowed(origin) {
		return nil
	}
	return errors.Forbidden("origin %q is not allowed", origin)
}

// Apply adds CORS headers to a normal (non-preflight) response. Existing
// upstream CORS headers are replaced by the gateway policy.
func (p *Policy) Apply(h http.Header, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !p.isOriginAllowed(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", p.responseOrigin(origin))
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	} else {
		h.Del("Access-Control-Allow-Credentials")
	}
	if p.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
	}
	h.Add("Vary", "Origin")
}

func (p *Policy) responseOrigin(origin string) string {
	if p.allowAllOrigins && !p.allowCredentials {
		return "*"
	}
	return origin
}

func (p *Policy) isOriginAllowed(origin string) bool {
	if p.allowAllOrigins {
		return true
	}
	for _, allowed := range p.allowOrigins {
		if allowed == origin {
			return true
		}
		// Patterns such as https://*.example.com or https://{a,b}.example.com.
		if ok, _ := doublestar.Match(allowed, origin); ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
