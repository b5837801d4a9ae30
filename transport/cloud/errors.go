package cloud

import (
  "errors"
  "fmt"
  "net/http"
  "time"
)

var (
  ErrMissingConfiguration = errors.New("cloud transport is not configured")
  // ErrUnauthorized means there is no usable token. Polling stops until re-authorization.
  ErrUnauthorized = errors.New("not authorized")
  // ErrEmpty means the API has no data point for today yet. Not a failure.
  ErrEmpty = errors.New("no data point yet")
  ErrRateLimited = errors.New("rate limited")
  ErrCircuitOpen = errors.New("cloud API circuit open")
)

type HTTPError struct {
  Status int
  // RetryAfter is only set on 429 responses carrying a Retry-After header.
  RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
  return fmt.Sprintf("cloud API returned HTTP %d (%s)", e.Status, http.StatusText(e.Status))
}

// Describe returns a message for end users.
func Describe(err error) string {
  var httpErr *HTTPError

  switch {
  case errors.Is(err, ErrMissingConfiguration):
    return "The cloud heart rate source is not configured."
  case errors.Is(err, ErrUnauthorized):
    return "Cloud authorization expired. Please sign in again."
  case errors.Is(err, ErrEmpty):
    return "No recent heart rate data from the cloud service."
  case errors.Is(err, ErrRateLimited):
    return "The cloud service is rate limiting requests."
  case errors.Is(err, ErrCircuitOpen):
    return "The cloud service is currently unavailable."
  case errors.As(err, &httpErr):
    return fmt.Sprintf("The cloud service returned an error (HTTP %d).", httpErr.Status)
  default:
    return "Unexpected cloud heart rate error."
  }
}
