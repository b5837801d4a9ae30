package connection

import (
  "context"
  "errors"
  "time"

  "github.com/robertof/go-hr-bridge/event"
  "github.com/robertof/go-hr-bridge/transport/radio"
  "github.com/rs/zerolog/log"
)

// reconnect retries the radio link with exponential backoff until it succeeds, the
// session ends, or the transport refuses further attempts.
func (m *Manager) reconnect(ctx context.Context, epoch uint64) {
  for attempt := 0; ; attempt++ {
    backoff := m.opts.BackoffFactor << int64(attempt)

    if backoff < 0 {
      backoff = DefaultBackoffFactor
    }

    log.Trace().
      Int("Attempt", attempt).
      Dur("Backoff", backoff).
      Msg("connection: backing off before reconnecting")

    if !m.sleep(ctx, backoff) {
      log.Trace().Err(ctx.Err()).Msg("connection: reconnection aborted by context cancel")
      return
    }

    m.mu.Lock()
    current := m.epoch == epoch
    m.mu.Unlock()

    if !current {
      log.Trace().Msg("connection: session ended while backing off")
      return
    }

    dev, err := m.radio.Reconnect(ctx)

    if err == nil {
      log.Info().Stringer("Device", dev).Msg("connection: radio link restored")
      return
    }

    if ctx.Err() != nil {
      return
    }

    switch {
    case errors.Is(err, radio.ErrMaxAttemptsExceeded):
      log.Warn().Err(err).Msg("connection: giving up on radio link")

      m.emit(epoch, event.ErrorEvent{Message: radio.Describe(err), Err: err})
      m.deactivate(epoch)

      return
    case errors.Is(err, radio.ErrSelectionCancelled):
      // sensor out of range for the whole scan window; keep trying within the budget.
      log.Debug().Err(err).Msg("connection: sensor not found while reconnecting")
    case radio.IsRetryable(err):
      log.Debug().Err(err).Msg("connection: reconnection attempt failed")

      m.emit(epoch, event.ErrorEvent{Message: radio.Describe(err), Err: err})
    default:
      log.Warn().Err(err).Msg("connection: reconnection failed permanently")

      m.emit(epoch, event.ErrorEvent{Message: radio.Describe(err), Err: err})
      m.deactivate(epoch)

      return
    }
  }
}

// sleep waits d on the manager clock and reports false if ctx ended first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
  ticker := m.opts.Clock.NewTicker(d)
  defer ticker.Stop()

  select {
  case <-ctx.Done():
    return false
  case <-ticker.C():
    return ctx.Err() == nil
  }
}

// mergeCancel returns a context derived from a that is also cancelled when b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
  ctx, cancel := context.WithCancel(a)
  stop := context.AfterFunc(b, cancel)

  return ctx, func() {
    stop()
    cancel()
  }
}
