package api

import (
	"net/http"
	"strings"

	"github.com/cuemby/joblet/pkg/apierr"
)

// Capability is one of the three privilege tiers a principal carries.
// Every mutating route requires at least Write; runtime/network
// management requires Admin.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapAdmin Capability = "admin"
)

// satisfies reports whether held grants the capability required, given
// Admin implies Write implies Read.
func satisfies(held, required Capability) bool {
	rank := map[Capability]int{CapRead: 1, CapWrite: 2, CapAdmin: 3}
	return rank[held] >= rank[required]
}

// Principal is the authenticated caller of one request.
type Principal struct {
	Name       string
	Capability Capability
}

// Authenticator resolves a request's bearer token to a Principal. Kept as
// an interface so cmd/jobletd can swap a static-token implementation for
// something backed by an external identity provider without touching the
// routing layer.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// StaticTokenAuthenticator maps a fixed set of bearer tokens to
// principals. cmd/jobletd does not construct one, so its server runs with
// no Authenticator.
type StaticTokenAuthenticator struct {
	tokens map[string]Principal
}

// NewStaticTokenAuthenticator builds an Authenticator from a token ->
// principal map.
func NewStaticTokenAuthenticator(tokens map[string]Principal) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{tokens: tokens}
}

func (a *StaticTokenAuthenticator) Authenticate(token string) (Principal, error) {
	p, ok := a.tokens[token]
	if !ok {
		return Principal{}, apierr.New(apierr.Unauthorized, "unknown token")
	}
	return p, nil
}

// requireCapability wraps handler with the authorization checkpoint: the
// caller's principal is resolved once per request and must hold at least
// `required` before the handler (and therefore any state mutation it
// performs) runs at all. When the Server has no Authenticator, every
// request reaches the handler unchecked.
func (s *Server) requireCapability(required Capability, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			handler(w, r)
			return
		}

		token := bearerToken(r)
		principal, err := s.auth.Authenticate(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if !satisfies(principal.Capability, required) {
			writeError(w, apierr.New(apierr.Forbidden, "principal %q lacks %s capability", principal.Name, required))
			return
		}
		handler(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}
