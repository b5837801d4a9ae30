package cloud

import (
  "fmt"
  "net/url"
  "strconv"
  "strings"
  "time"

  "github.com/oklog/ulid/v2"
  "github.com/robertof/go-hr-bridge/token"
  "github.com/rs/zerolog/log"
)

// UserAgent sends the user to the authorization endpoint. What "sending" means depends on
// the host: an HTTP redirect, opening a browser, printing a link.
type UserAgent interface {
  Redirect(u *url.URL) error
}

type UserAgentFunc func(u *url.URL) error

func (f UserAgentFunc) Redirect(u *url.URL) error {
  return f(u)
}

func (t *Transport) IsAuthorized() bool {
  _, ok := t.store.Current()
  return ok
}

// AuthorizationURL builds the implicit grant request and remembers its state parameter.
func (t *Transport) AuthorizationURL() (*url.URL, error) {
  if t.cfg.ClientID == "" || t.cfg.RedirectURI == "" {
    return nil, fmt.Errorf("%w: client id and redirect uri are required", ErrMissingConfiguration)
  }

  u, err := url.Parse(t.cfg.AuthURL)

  if err != nil {
    return nil, fmt.Errorf("%w: invalid authorization url: %v", ErrMissingConfiguration, err)
  }

  state := ulid.MustNew(ulid.Timestamp(t.clock.Now()), ulid.DefaultEntropy()).String()

  q := url.Values{}
  q.Set("response_type", "token")
  q.Set("client_id", t.cfg.ClientID)
  q.Set("redirect_uri", t.cfg.RedirectURI)
  q.Set("scope", t.cfg.Scope)
  q.Set("expires_in", strconv.Itoa(int(t.cfg.TokenLifetime / time.Second)))
  q.Set("state", state)
  u.RawQuery = q.Encode()

  t.mu.Lock()
  t.pendingState = state
  t.mu.Unlock()

  return u, nil
}

// BeginAuthorization redirects the user agent to the provider unless a valid token is
// already stored, in which case it returns a nil URL. Control comes back through
// CompleteAuthorization.
func (t *Transport) BeginAuthorization() (*url.URL, error) {
  if t.IsAuthorized() {
    log.Debug().Msg("cloud: already authorized, not redirecting")
    return nil, nil
  }

  u, err := t.AuthorizationURL()

  if err != nil {
    return nil, err
  }

  log.Info().Str("AuthURL", t.cfg.AuthURL).Msg("cloud: starting authorization")

  if t.userAgent != nil {
    if err := t.userAgent.Redirect(u); err != nil {
      return u, fmt.Errorf("failed to redirect user agent: %w", err)
    }
  }

  return u, nil
}

// CompleteAuthorization stores the token carried by the redirect fragment
// (`access_token=...&user_id=...&expires_in=...&state=...`, leading '#' optional).
// It reports false, leaving storage untouched, if the fragment carries no token.
func (t *Transport) CompleteAuthorization(fragment string) bool {
  values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))

  if err != nil {
    log.Warn().Err(err).Msg("cloud: unparseable authorization callback")
    return false
  }

  if e := values.Get("error"); e != "" {
    log.Warn().
      Str("Error", e).
      Str("Description", values.Get("error_description")).
      Msg("cloud: authorization was denied")
    return false
  }

  accessToken := values.Get("access_token")

  if accessToken == "" {
    log.Warn().Msg("cloud: authorization callback carries no access token")
    return false
  }

  t.mu.Lock()
  pending := t.pendingState
  t.mu.Unlock()

  // a restarted process has no pending state; accept the token in that case.
  if pending != "" && values.Get("state") != pending {
    log.Warn().Msg("cloud: authorization callback state mismatch, ignoring token")
    return false
  }

  lifetime := t.cfg.TokenLifetime

  if secs, err := strconv.Atoi(values.Get("expires_in")); err == nil && secs > 0 {
    lifetime = time.Duration(secs) * time.Second
  }

  tok := token.AuthToken{
    AccessToken: accessToken,
    OwnerID: values.Get("user_id"),
    ExpiresAt: t.clock.Now().Add(lifetime),
  }

  if err := t.store.Save(tok); err != nil {
    log.Error().Err(err).Msg("cloud: failed to store token")
    return false
  }

  t.mu.Lock()
  t.pendingState = ""
  t.emptyPolls = 0
  t.mu.Unlock()

  log.Info().Stringer("Token", tok).Msg("cloud: authorization completed")

  return true
}
