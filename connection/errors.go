package connection

import "errors"

var (
  ErrUnknownSource = errors.New("unknown source")
  ErrMissingConfiguration = errors.New("source is not configured")
  ErrAuthorizationRequired = errors.New("authorization required")
  ErrClosed = errors.New("connection manager closed")
)
