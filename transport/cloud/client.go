package cloud

import (
  "context"
  "errors"
  "fmt"
  "io"
  "net/http"
  "strconv"
  "time"

  "github.com/robertof/go-hr-bridge/token"
  "github.com/rs/zerolog/log"
  "github.com/sony/gobreaker/v2"
)

const maxResponseSize = 4 << 20

type breakerSettings struct {
  failures uint32
  openFor time.Duration
}

func newBreaker(s breakerSettings) *gobreaker.CircuitBreaker[[]byte] {
  return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
    Name: "cloud-api",
    MaxRequests: 1,
    Timeout: s.openFor,
    ReadyToTrip: func(counts gobreaker.Counts) bool {
      return counts.ConsecutiveFailures >= s.failures
    },
    OnStateChange: func(name string, from, to gobreaker.State) {
      log.Warn().
        Str("Breaker", name).
        Stringer("From", from).
        Stringer("To", to).
        Msg("cloud: circuit breaker state changed")
    },
    // only server side trouble counts against the API.
    IsSuccessful: func(err error) bool {
      var httpErr *HTTPError

      if err == nil || errors.Is(err, context.Canceled) {
        return true
      }

      return errors.As(err, &httpErr) && httpErr.Status < 500
    },
  })
}

func (t *Transport) intradayURL() string {
  return fmt.Sprintf("%s/1/user/-/activities/heart/date/today/1d/%s.json", t.cfg.APIURL, t.cfg.DetailLevel)
}

// fetch performs the request and returns the raw body of a 2xx response.
func (t *Transport) fetch(ctx context.Context, tok token.AuthToken) ([]byte, error) {
  req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.intradayURL(), nil)

  if err != nil {
    return nil, err
  }

  req.Header.Set("Authorization", "Bearer " + tok.AccessToken)
  req.Header.Set("Accept", "application/json")

  resp, err := t.client.Do(req)

  if err != nil {
    return nil, fmt.Errorf("request failed: %w", err)
  }

  defer resp.Body.Close()

  body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))

  if err != nil {
    return nil, fmt.Errorf("failed to read response: %w", err)
  }

  if resp.StatusCode < 200 || resp.StatusCode > 299 {
    httpErr := &HTTPError{Status: resp.StatusCode}

    if resp.StatusCode == http.StatusTooManyRequests {
      httpErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), t.clock.Now())
    }

    return nil, httpErr
  }

  return body, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
  if v == "" {
    return 0
  }

  if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
    return time.Duration(secs) * time.Second
  }

  if at, err := http.ParseTime(v); err == nil && at.After(now) {
    return at.Sub(now)
  }

  return 0
}
