// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package web

import (
	"fmt"
	"html/template"
	"net"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/clavis/internal/config"
	"github.com/tomtom215/clavis/internal/logging"
	"github.com/tomtom215/clavis/openid"
)

// Handlers serves the example relying party's routes.
type Handlers struct {
	consumer *openid.Consumer
	sessions *SessionManager
	cfg      *config.Config
	secLog   *logging.SecurityLogger
}

// NewHandlers wires the consumer, session manager, and config together.
func NewHandlers(consumer *openid.Consumer, sessions *SessionManager, cfg *config.Config) *Handlers {
	return &Handlers{
		consumer: consumer,
		sessions: sessions,
		cfg:      cfg,
		secLog:   logging.NewSecurityLogger(),
	}
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Clavis example relying party</title></head>
<body>
<h1>Sign in with OpenID</h1>
{{if .Identity}}<p>Signed in as <code>{{.Identity}}</code>. <a href="/whoami">whoami</a></p>{{end}}
{{if .Error}}<p><strong>{{.Error}}</strong></p>{{end}}
<form method="post" action="/login">
  <label>Identity URL <input type="text" name="identity_url" placeholder="alice.example.com"></label>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// Index renders the login form, showing the current identity if any.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Identity string
		Error    string
	}{
		Error: r.URL.Query().Get("error"),
	}
	if session, err := h.sessions.Get(r); err == nil {
		data.Identity = session.Identity
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginPage.Execute(w, data); err != nil {
		logging.Error().Err(err).Msg("render login page")
	}
}

// Login begins an OpenID login: discovery, token mint, and redirect to
// the provider. The bridge token rides a short-lived cookie.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	identityURL := r.PostFormValue("identity_url")
	if identityURL == "" {
		h.loginError(w, r, "Enter an identity URL")
		return
	}

	begin := h.consumer.BeginAuth(r.Context(), identityURL)
	switch begin.Status {
	case openid.StatusSuccess:
	case openid.StatusHTTPFailure:
		h.loginError(w, r, fmt.Sprintf("Could not reach %s", identityURL))
		return
	default:
		h.loginError(w, r, fmt.Sprintf("%s does not advertise an OpenID server", identityURL))
		return
	}

	redirect, err := h.consumer.ConstructRedirect(r.Context(), begin.Request, h.cfg.ReturnTo(), h.cfg.TrustRoot())
	if err != nil {
		logging.Error().Err(err).Msg("construct redirect")
		h.loginError(w, r, "Login could not be started, try again")
		return
	}

	h.sessions.setPending(w, begin.Request.Token, openid.TokenLifetime)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback completes the login when the provider redirects back.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	userAgent := r.UserAgent()

	token, ok := h.sessions.pending(w, r)
	if !ok {
		h.secLog.LogLoginFailure("", "", ip, userAgent, "callback without pending login")
		h.loginError(w, r, "No login in progress")
		return
	}

	result := h.consumer.CompleteAuth(r.Context(), token, r.URL.Query())
	switch result.Status {
	case openid.StatusSuccess:
		if result.Identity == "" {
			// User declined at the provider.
			h.secLog.LogLoginCancelled(ip, userAgent)
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		session, err := h.sessions.Issue(w, result.Identity)
		if err != nil {
			logging.Error().Err(err).Msg("issue session")
			h.loginError(w, r, "Login verified but session could not be created")
			return
		}
		h.secLog.LogLoginSuccess(result.Identity, "", ip, userAgent)
		h.secLog.LogSessionCreated(result.Identity, session.ID, ip)
		http.Redirect(w, r, "/whoami", http.StatusFound)

	case openid.StatusSetupNeeded:
		// Immediate-mode deferral: the provider needs the user.
		http.Redirect(w, r, result.SetupURL, http.StatusFound)

	default:
		h.secLog.LogLoginFailure(result.Identity, "", ip, userAgent, "verification failed")
		h.loginError(w, r, "Login could not be verified")
	}
}

// Whoami reports the session identity as JSON.
func (h *Handlers) Whoami(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r)
	if err != nil {
		http.Error(w, `{"error":"not logged in"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"identity":   session.Identity,
		"expires_at": session.ExpiresAt,
	}); err != nil {
		logging.Error().Err(err).Msg("encode whoami")
	}
}

// Logout clears the session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if session, err := h.sessions.Get(r); err == nil {
		h.secLog.LogLogout(session.Identity, session.ID, clientIP(r))
	}
	h.sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Healthz is a liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handlers) loginError(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/?error="+template.URLQueryEscaper(msg), http.StatusFound)
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
