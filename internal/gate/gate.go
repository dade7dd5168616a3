package gate

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/common/metrics"
	"entitlement-service/internal/subscription"
)

type Config struct {
	// SignInPath and SignUpPath are the authentication pages. A signed-in
	// caller landing on them is bounced forward instead of shown a form.
	SignInPath string
	SignUpPath string
	// LandingPath is where an entitled caller is sent after sign-in.
	LandingPath string
	// NoEntitlementURL is the external destination for callers whose
	// subscription does not grant access.
	NoEntitlementURL string
	// AllowedPaths pass without identity. An entry ending in "/*" allows
	// the whole subtree.
	AllowedPaths []string
	// SessionCookie names the cookie carrying the session token.
	SessionCookie string
}

// IdentityResolver maps a request to the account behind it. Empty account
// with nil error means the caller is anonymous; an error means identity
// could not be determined and the request must not pass.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// LookupFunc resolves a session token to an account id.
type LookupFunc func(ctx context.Context, token string) (string, error)

// CookieResolver resolves identity from a session cookie.
type CookieResolver struct {
	name   string
	lookup LookupFunc
}

// NewCookieResolver builds a resolver for the named cookie. A nil lookup
// treats the cookie value itself as the account id.
func NewCookieResolver(name string, lookup LookupFunc) *CookieResolver {
	return &CookieResolver{name: name, lookup: lookup}
}

func (c *CookieResolver) Resolve(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return "", nil
	}
	if c.lookup == nil {
		return cookie.Value, nil
	}
	return c.lookup(r.Context(), cookie.Value)
}

// Gate is the per-request entitlement middleware. It reads entitlement
// fresh on every request and fails closed: when identity or entitlement
// cannot be determined the caller is redirected, never passed through.
type Gate struct {
	config   *Config
	resolver IdentityResolver
	checker  subscription.Checker
	logger   logger.Logger
}

func New(config *Config, resolver IdentityResolver, checker subscription.Checker, log logger.Logger) *Gate {
	return &Gate{
		config:   config,
		resolver: resolver,
		checker:  checker,
		logger:   log.WithFields(map[string]interface{}{"component": "gate"}),
	}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := g.resolver.Resolve(r)
		if err != nil {
			g.logger.WithError(err).Warn("identity resolution failed", map[string]interface{}{"path": r.URL.Path})
			g.decide(w, r, "fail_closed", g.config.NoEntitlementURL)
			return
		}

		if accountID == "" {
			if g.allowed(r.URL.Path) {
				metrics.GateDecisions.WithLabelValues("allow").Inc()
				next.ServeHTTP(w, r)
				return
			}
			g.decide(w, r, "redirect_signin", g.signInURL(r))
			return
		}

		// Allow-listed routes stay reachable whatever the caller's
		// standing; only the auth pages still need the lookup below to
		// pick their bounce destination.
		if path := r.URL.Path; path != g.config.SignInPath && path != g.config.SignUpPath && g.allowed(path) {
			metrics.GateDecisions.WithLabelValues("allow").Inc()
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		entitled, err := g.checker.Entitled(r.Context(), accountID)
		decision := g.classify(r.URL.Path, entitled, err)
		metrics.GateLookupDuration.WithLabelValues(decision).Observe(time.Since(start).Seconds())

		switch decision {
		case "allow":
			metrics.GateDecisions.WithLabelValues("allow").Inc()
			next.ServeHTTP(w, r)
		case "redirect_landing":
			g.decide(w, r, decision, g.config.LandingPath)
		case "fail_closed":
			g.logger.WithError(err).Error("entitlement lookup failed, failing closed", map[string]interface{}{
				"accountId": accountID,
				"path":      r.URL.Path,
			})
			g.decide(w, r, decision, g.config.NoEntitlementURL)
		default:
			g.decide(w, r, decision, g.config.NoEntitlementURL)
		}
	})
}

func (g *Gate) classify(path string, entitled bool, err error) string {
	if err != nil {
		return "fail_closed"
	}
	if path == g.config.SignInPath || path == g.config.SignUpPath {
		if entitled {
			return "redirect_landing"
		}
		return "redirect_denied"
	}
	if entitled {
		return "allow"
	}
	return "redirect_denied"
}

func (g *Gate) decide(w http.ResponseWriter, r *http.Request, decision, location string) {
	metrics.GateDecisions.WithLabelValues(decision).Inc()
	http.Redirect(w, r, location, http.StatusFound)
}

// signInURL carries the original destination so sign-in can return the
// caller to where they were headed.
func (g *Gate) signInURL(r *http.Request) string {
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return g.config.SignInPath + "?return_to=" + url.QueryEscape(target)
}

func (g *Gate) allowed(path string) bool {
	switch path {
	case g.config.SignInPath, g.config.SignUpPath:
		return true
	}
	for _, allowed := range g.config.AllowedPaths {
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
			if strings.HasPrefix(path, prefix+"/") || path == prefix {
				return true
			}
			continue
		}
		if path == allowed {
			return true
		}
	}
	return false
}
