// Package token persists the cloud OAuth credentials. Expired tokens are dropped lazily
// when read; there is no background timer.
package token

import (
  "encoding/json"
  "errors"
  "fmt"
  "time"

  "github.com/oklog/ulid/v2"
  "github.com/robertof/go-hr-bridge/utils"
  "github.com/rs/zerolog/log"
)

var ErrInvalidToken = errors.New("invalid token")

type AuthToken struct {
  AccessToken string `json:"accessToken"`
  OwnerID string `json:"ownerId"`
  ExpiresAt time.Time `json:"expiresAt"`
}

func (t AuthToken) String() string {
  // never log the access token itself
  return fmt.Sprintf("token[owner=%q, expires=%v]", t.OwnerID, t.ExpiresAt.Format(time.RFC3339))
}

type Store struct {
  kv KV
  key string
  clock utils.Clock
}

// NewSessionID returns a fresh session key for stores that were not given one.
func NewSessionID(clock utils.Clock) string {
  return ulid.MustNew(ulid.Timestamp(clock.Now()), ulid.DefaultEntropy()).String()
}

func NewStore(kv KV, session string, clock utils.Clock) *Store {
  if session == "" {
    panic("token.NewStore called with an empty session")
  }

  return &Store{
    kv: kv,
    key: "token/" + session,
    clock: clock,
  }
}

// Save replaces any token stored for the session.
func (s *Store) Save(t AuthToken) error {
  if t.AccessToken == "" {
    return fmt.Errorf("%w: empty access token", ErrInvalidToken)
  }

  data, err := json.Marshal(t)

  if err != nil {
    return fmt.Errorf("failed to encode token: %w", err)
  }

  if err := s.kv.Put(s.key, data); err != nil {
    return fmt.Errorf("failed to save token: %w", err)
  }

  log.Debug().Stringer("Token", t).Msg("token: saved token")

  return nil
}

// Current returns the stored token unless it is missing or expired. Expired tokens are
// deleted as a side effect.
func (s *Store) Current() (t AuthToken, ok bool) {
  data, found, err := s.kv.Get(s.key)

  if err != nil {
    log.Error().Err(err).Msg("token: failed to read token, treating as absent")
    return t, false
  }

  if !found {
    return t, false
  }

  if err := json.Unmarshal(data, &t); err != nil || t.AccessToken == "" {
    log.Warn().Err(err).Msg("token: discarding unreadable token record")
    s.clearLogged()
    return AuthToken{}, false
  }

  if !s.clock.Now().Before(t.ExpiresAt) {
    log.Info().Stringer("Token", t).Msg("token: token expired, clearing")
    s.clearLogged()
    return AuthToken{}, false
  }

  return t, true
}

// clearLogged clears the token on read paths, where the caller treats it as absent anyway.
func (s *Store) clearLogged() {
  if err := s.Clear(); err != nil {
    log.Error().Err(err).Msg("token: failed to clear stale token")
  }
}

func (s *Store) Clear() error {
  if err := s.kv.Delete(s.key); err != nil {
    return fmt.Errorf("failed to clear token: %w", err)
  }

  return nil
}
