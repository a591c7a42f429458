package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/keys"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
)

const (
	// browserCookieMaxAge keeps the browser context stable across logins
	browserCookieMaxAge = 365 * 24 * 60 * 60

	// maxBrowserContextLength rejects oversized cookie values
	maxBrowserContextLength = 128

	// maxRequestBodyBytes bounds JSON bodies of the admin API
	maxRequestBodyBytes = 1 << 20
)

// Handler serves the HTTP surface of the authorization server.
type Handler struct {
	server        *server.Server
	batch         *batch.Engine
	config        Config
	logger        *slog.Logger
	authenticator Authenticator
	tokenLimiter  *security.RateLimiter
	jobLimiter    *security.WindowLimiter
	inst          *instrumentation.Instrumentation
	metrics       *instrumentation.Metrics
	tracer        trace.Tracer
}

// NewHandler creates a Handler. engine may be nil, in which case the batch
// job routes are not served.
func NewHandler(srv *server.Server, engine *batch.Engine, config Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	applyDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid handler configuration: %w", err)
	}
	logSecurityWarnings(&config, logger)

	h := &Handler{
		server: srv,
		batch:  engine,
		config: config,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	if config.RateLimit.Rate > 0 {
		h.tokenLimiter = security.NewRateLimiter(security.RateLimitConfig{
			Name:              "token",
			RequestsPerSecond: config.RateLimit.Rate,
			Burst:             config.RateLimit.Burst,
		}, logger)
	}
	if engine != nil && config.JobSubmissionLimit > 0 {
		h.jobLimiter = security.NewWindowLimiter(config.JobSubmissionLimit, time.Hour, logger)
	}
	return h, nil
}

// SetAuthenticator sets the source of user identities for /authorize.
// Without one every authorization request requires login.
func (h *Handler) SetAuthenticator(a Authenticator) {
	h.authenticator = a
}

// SetInstrumentation enables HTTP metrics, tracing and the /metrics route.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.inst = inst
	h.metrics = inst.Metrics()
	h.tracer = inst.Tracer("oauth")
}

// Close stops background goroutines.
func (h *Handler) Close() {
	if h.tokenLimiter != nil {
		h.tokenLimiter.Stop()
	}
}

func (h *Handler) issuer() string {
	return h.server.Config().Issuer
}

// ServeAuthorization handles OAuth authorization requests. GET starts a
// request; POST with consent=approve resubmits it after the user approved.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	params := r.Form

	var maxAge int64
	if raw := params.Get("max_age"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, ErrorCodeInvalidRequest, "max_age must be a non-negative integer", http.StatusBadRequest)
			return
		}
		maxAge = v
	}

	var identity *server.Identity
	if h.authenticator != nil {
		var err error
		identity, err = h.authenticator.Authenticate(r)
		if err != nil {
			h.logger.Error("Failed to authenticate user", "error", err)
			h.writeError(w, ErrorCodeServerError, "Failed to authenticate user", http.StatusInternalServerError)
			return
		}
	}

	req := server.AuthorizationRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
		Nonce:               params.Get("nonce"),
		MaxAge:              maxAge,
		Consented:           h.consentApproved(r),
		BrowserContext:      h.browserContext(w, r),
		IPAddress:           h.config.ipResolver().Resolve(r),
		UserAgent:           r.UserAgent(),
	}

	result, err := h.server.Authorize(r.Context(), req, identity)
	if err != nil {
		h.handleAuthorizationError(w, r, params, err)
		return
	}

	q := url.Values{"code": {result.Code}}
	if result.State != "" {
		q.Set("state", result.State)
	}
	http.Redirect(w, r, appendQuery(result.RedirectURI, q), http.StatusFound)
}

func (h *Handler) handleAuthorizationError(w http.ResponseWriter, r *http.Request, params url.Values, err error) {
	var oauthErr *server.Error
	if !errors.As(err, &oauthErr) {
		h.writeServerError(w, r, err)
		return
	}

	if oauthErr.Pending != nil {
		switch {
		case errors.Is(err, server.ErrAuthenticationRequired) && h.config.LoginURL != "":
			h.redirectWithReturn(w, r, h.config.LoginURL, params)
			return
		case errors.Is(err, server.ErrConsentRequired) && h.config.ConsentURL != "":
			h.redirectWithReturn(w, r, h.config.ConsentURL, params)
			return
		}
	}

	// Errors are only sent to a redirect URI that matched the registration
	if oauthErr.Redirectable() {
		q := url.Values{
			"error":             {oauthErr.Code},
			"error_description": {oauthErr.Description},
		}
		if oauthErr.State != "" {
			q.Set("state", oauthErr.State)
		}
		http.Redirect(w, r, appendQuery(oauthErr.RedirectURI, q), http.StatusFound)
		return
	}
	h.writeServerError(w, r, err)
}

// consentApproved reports whether r is a consent form submission from the
// issuer or the consent page. Cross-site posts cannot approve.
func (h *Handler) consentApproved(r *http.Request) bool {
	if r.Method != http.MethodPost || r.PostForm.Get("consent") != "approve" {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		site := r.Header.Get("Sec-Fetch-Site")
		return site == "" || site == "same-origin" || site == "same-site"
	}
	for _, trusted := range []string{h.issuer(), h.config.ConsentURL} {
		if u, err := url.Parse(trusted); err == nil && u.Host != "" && origin == u.Scheme+"://"+u.Host {
			return true
		}
	}
	h.logger.Warn("Rejected cross-origin consent", "origin", util.SafeTruncate(origin, 128))
	return false
}

// redirectWithReturn sends the user agent to target with the authorization
// request to resume as return_to.
func (h *Handler) redirectWithReturn(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	resume := url.Values{}
	for k, v := range params {
		if k == "consent" {
			continue
		}
		resume[k] = v
	}
	returnTo := strings.TrimSuffix(h.issuer(), "/") + "/authorize?" + resume.Encode()
	http.Redirect(w, r, appendQuery(target, url.Values{"return_to": {returnTo}}), http.StatusFound)
}

// browserContext returns the browser identifier cookie, issuing one on first
// contact.
func (h *Handler) browserContext(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.config.BrowserCookieName); err == nil &&
		c.Value != "" && len(c.Value) <= maxBrowserContextLength {
		return c.Value
	}
	value := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.BrowserCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   browserCookieMaxAge,
		HttpOnly: true,
		Secure:   !h.config.InsecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return value
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	clientIP := h.config.ipResolver().Resolve(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.server.Token(r.Context(), server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		IPAddress:    clientIP,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeUserInfo handles the OpenID Connect UserInfo endpoint.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := extractBearerToken(r)
	if !ok && r.Method == http.MethodPost {
		// RFC 6750 section 2.2
		if err := r.ParseForm(); err == nil {
			token = r.PostForm.Get("access_token")
			ok = token != ""
		}
	}
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "Missing access token", http.StatusUnauthorized)
		return
	}

	claims, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, claims)
}

// ServeTokenRevocation handles RFC 7009 revocation. Unknown tokens and
// tokens of other clients still get 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseTokenRequest(w, r)
	if !ok {
		return
	}
	if err := h.server.RevokeToken(r.Context(), req); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	security.SetSecurityHeaders(w, h.issuer())
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles RFC 7662 introspection. Only
// authenticated confidential clients may introspect.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseTokenRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.server.Introspect(r.Context(), req)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseTokenRequest(w http.ResponseWriter, r *http.Request) (server.RevokeRequest, bool) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return server.RevokeRequest{}, false
	}
	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return server.RevokeRequest{}, false
	}
	return server.RevokeRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		IPAddress:     h.config.ipResolver().Resolve(r),
	}, true
}

// ServeJWKS publishes the signing keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Del("Pragma")
	_ = json.NewEncoder(w).Encode(h.server.Keys().JWKS())
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Del("Pragma")
	_ = json.NewEncoder(w).Encode(h.buildDiscoveryMetadata())
}

func (h *Handler) buildDiscoveryMetadata() map[string]any {
	config := h.server.Config()
	base := strings.TrimSuffix(config.Issuer, "/")

	challengeMethods := []string{server.PKCEMethodS256}
	if config.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	return map[string]any{
		"issuer":                                config.Issuer,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"userinfo_endpoint":                     base + "/userinfo",
		"jwks_uri":                              base + "/.well-known/jwks.json",
		"revocation_endpoint":                   base + "/revoke",
		"introspection_endpoint":                base + "/introspect",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{string(keys.Algorithm)},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"code_challenge_methods_supported":      challengeMethods,
		"scopes_supported":                      h.supportedScopes(),
		"claims_supported": []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "sid",
			"name", "preferred_username", "email", "email_verified", "groups",
		},
	}
}

// supportedScopes is the union of the scopes of all active clients
func (h *Handler) supportedScopes() []string {
	seen := map[string]bool{"openid": true}
	scopes := []string{"openid"}
	for _, c := range h.server.Clients().List() {
		if !c.Active {
			continue
		}
		for _, s := range c.Scopes {
			if !seen[s] {
				seen[s] = true
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.tokenLimiter == nil || h.tokenLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), h.tokenLimiter.Name())
	}
	h.server.Auditor.LogRateLimitExceeded(r.Context(), clientIP, h.tokenLimiter.Name())
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// clientCredentials reads client authentication from HTTP Basic
// (RFC 6749 section 2.3.1) or from the form. Using both is an error.
func clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), nil
	}
	if r.PostForm.Get("client_secret") != "" {
		return "", "", fmt.Errorf("multiple client authentication methods")
	}

	// Basic credentials are form-urlencoded before base64
	if clientID, err = url.QueryUnescape(user); err != nil {
		return "", "", fmt.Errorf("malformed client credentials")
	}
	if clientSecret, err = url.QueryUnescape(pass); err != nil {
		return "", "", fmt.Errorf("malformed client credentials")
	}
	if form := r.PostForm.Get("client_id"); form != "" && form != clientID {
		return "", "", fmt.Errorf("client_id does not match the authenticated client")
	}
	return clientID, clientSecret, nil
}

// extractBearerToken extracts the Bearer token from the Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func hasScope(scope, want string) bool {
	return slices.Contains(storage.ParseScope(scope), want)
}

func appendQuery(base string, extra url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range extra {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

// writeServerError writes err, as returned by the server package or the
// batch engine, as an OAuth error response.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := toOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.issuer())

	switch {
	case w.Header().Get("WWW-Authenticate") != "":
	case status == http.StatusUnauthorized && code == ErrorCodeInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="`+escapeQuoted(h.issuer())+`"`)
	case status == http.StatusUnauthorized, code == ErrorCodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("", code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750 section 3.
func formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errorDesc)))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// escapeQuoted escapes a value for an HTTP quoted-string. Backslashes go first.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
