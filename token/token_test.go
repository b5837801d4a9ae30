package token_test

import (
  "bytes"
  "errors"
  "path/filepath"
  "testing"
  "time"

  "github.com/robertof/go-hr-bridge/token"
  "github.com/robertof/go-hr-bridge/utils"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]token.KV {
  sqlite, err := token.OpenSQLiteKV(filepath.Join(t.TempDir(), "tokens.db"), "test")
  require.NoError(t, err)
  t.Cleanup(func() { sqlite.Close() })

  return map[string]token.KV{
    "memory": token.NewMemoryKV(),
    "sqlite": sqlite,
  }
}

func TestStore_SaveAndCurrent(t *testing.T) {
  for name, kv := range stores(t) {
    t.Run(name, func(t *testing.T) {
      clock := utils.NewFakeClock(epoch)
      s := token.NewStore(kv, "session", clock)

      want := token.AuthToken{AccessToken: "abc", OwnerID: "owner", ExpiresAt: epoch.Add(time.Hour)}
      require.NoError(t, s.Save(want))

      got, ok := s.Current()
      require.True(t, ok)
      assert.Equal(t, want.AccessToken, got.AccessToken)
      assert.Equal(t, want.OwnerID, got.OwnerID)
      assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
    })
  }
}

func TestStore_SaveReplaces(t *testing.T) {
  for name, kv := range stores(t) {
    t.Run(name, func(t *testing.T) {
      s := token.NewStore(kv, "session", utils.NewFakeClock(epoch))

      require.NoError(t, s.Save(token.AuthToken{AccessToken: "first", OwnerID: "a", ExpiresAt: epoch.Add(time.Hour)}))
      require.NoError(t, s.Save(token.AuthToken{AccessToken: "second", ExpiresAt: epoch.Add(time.Minute)}))

      got, ok := s.Current()
      require.True(t, ok)
      assert.Equal(t, "second", got.AccessToken)
      assert.Empty(t, got.OwnerID)
    })
  }
}

func TestStore_ExpiredTokenIsClearedOnRead(t *testing.T) {
  for name, kv := range stores(t) {
    t.Run(name, func(t *testing.T) {
      s := token.NewStore(kv, "session", utils.NewFakeClock(epoch))

      require.NoError(t, s.Save(token.AuthToken{AccessToken: "abc", ExpiresAt: epoch.Add(-time.Second)}))

      _, ok := s.Current()
      assert.False(t, ok)

      _, found, err := kv.Get("token/session")
      require.NoError(t, err)
      assert.False(t, found, "expired token should have been removed from storage")
    })
  }
}

type undeletableKV struct {
  *token.MemoryKV
}

func (undeletableKV) Delete(string) error {
  return errors.New("database is locked")
}

func TestStore_ClearFailureOnReadIsLogged(t *testing.T) {
  var buf bytes.Buffer

  prev := log.Logger
  log.Logger = zerolog.New(&buf)
  t.Cleanup(func() { log.Logger = prev })

  kv := undeletableKV{token.NewMemoryKV()}
  s := token.NewStore(kv, "session", utils.NewFakeClock(epoch))

  require.NoError(t, s.Save(token.AuthToken{AccessToken: "abc", ExpiresAt: epoch.Add(-time.Second)}))

  _, ok := s.Current()
  assert.False(t, ok)
  assert.Contains(t, buf.String(), "token: failed to clear stale token")
  assert.Contains(t, buf.String(), "database is locked")

  buf.Reset()
  require.NoError(t, kv.Put("token/session", []byte("{not json")))

  _, ok = s.Current()
  assert.False(t, ok)
  assert.Contains(t, buf.String(), "token: failed to clear stale token")
}

func TestStore_ExpiresExactlyAtDeadline(t *testing.T) {
  clock := utils.NewFakeClock(epoch)
  s := token.NewStore(token.NewMemoryKV(), "session", clock)

  require.NoError(t, s.Save(token.AuthToken{AccessToken: "abc", ExpiresAt: epoch.Add(time.Millisecond)}))

  _, ok := s.Current()
  assert.True(t, ok)

  clock.Advance(time.Millisecond)

  _, ok = s.Current()
  assert.False(t, ok)
}

func TestStore_ClearIsIdempotent(t *testing.T) {
  for name, kv := range stores(t) {
    t.Run(name, func(t *testing.T) {
      s := token.NewStore(kv, "session", utils.NewFakeClock(epoch))

      require.NoError(t, s.Save(token.AuthToken{AccessToken: "abc", ExpiresAt: epoch.Add(time.Hour)}))
      require.NoError(t, s.Clear())
      require.NoError(t, s.Clear())

      _, ok := s.Current()
      assert.False(t, ok)
    })
  }
}

func TestStore_SessionsAreIsolated(t *testing.T) {
  kv := token.NewMemoryKV()
  clock := utils.NewFakeClock(epoch)

  a := token.NewStore(kv, "a", clock)
  b := token.NewStore(kv, "b", clock)

  require.NoError(t, a.Save(token.AuthToken{AccessToken: "abc", ExpiresAt: epoch.Add(time.Hour)}))

  _, ok := b.Current()
  assert.False(t, ok)
}

func TestStore_RejectsEmptyToken(t *testing.T) {
  s := token.NewStore(token.NewMemoryKV(), "session", utils.NewFakeClock(epoch))

  assert.ErrorIs(t, s.Save(token.AuthToken{}), token.ErrInvalidToken)
}

func TestNewSessionID(t *testing.T) {
  clock := utils.NewFakeClock(epoch)

  assert.Len(t, token.NewSessionID(clock), 26)
  assert.NotEqual(t, token.NewSessionID(clock), token.NewSessionID(clock))
}
