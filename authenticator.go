package oauth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/sso-core/server"
)

// Authenticator establishes the user behind an authorization request. The
// core never shows login forms; this is the seam to whatever does.
//
// Authenticate returns a nil identity, and no error, when the request
// carries no authenticated user.
type Authenticator interface {
	Authenticate(r *http.Request) (*server.Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface
type AuthenticatorFunc func(r *http.Request) (*server.Identity, error)

// Authenticate calls f(r)
func (f AuthenticatorFunc) Authenticate(r *http.Request) (*server.Identity, error) {
	return f(r)
}

// Default header names, as set by oauth2-proxy style authenticating proxies
const (
	DefaultUserHeader     = "X-Auth-Request-User"
	DefaultGroupsHeader   = "X-Auth-Request-Groups"
	DefaultAuthTimeHeader = "X-Auth-Request-Auth-Time"
)

// HeaderAuthenticator reads the identity from headers set by an
// authenticating reverse proxy.
//
// SECURITY: only use behind a proxy that strips these headers from client
// requests; otherwise anyone can claim any identity.
type HeaderAuthenticator struct {
	UserHeader     string
	GroupsHeader   string
	AuthTimeHeader string

	// AdminGroup marks members as administrators. Their sessions are
	// excluded from emergency revocation by default.
	AdminGroup string

	// Now is used when the proxy does not send an authentication time
	Now func() time.Time
}

// Authenticate implements Authenticator
func (a HeaderAuthenticator) Authenticate(r *http.Request) (*server.Identity, error) {
	user := strings.TrimSpace(r.Header.Get(orDefault(a.UserHeader, DefaultUserHeader)))
	if user == "" {
		return nil, nil
	}

	identity := &server.Identity{UserID: user}

	if raw := r.Header.Get(orDefault(a.AuthTimeHeader, DefaultAuthTimeHeader)); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			identity.AuthTime = time.Unix(secs, 0)
		}
	}
	if identity.AuthTime.IsZero() {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		identity.AuthTime = now()
	}

	if a.AdminGroup != "" {
		for _, g := range strings.Split(r.Header.Get(orDefault(a.GroupsHeader, DefaultGroupsHeader)), ",") {
			if strings.TrimSpace(g) == a.AdminGroup {
				identity.Admin = true
				break
			}
		}
	}
	return identity, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
