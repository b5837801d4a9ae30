package radio

import (
  "errors"

  "github.com/robertof/go-hr-bridge/utils"
)

var (
  // capability errors: fatal to the attempt.
  ErrUnsupported = errors.New("bluetooth is not supported on this host")
  ErrInsecureContext = errors.New("insufficient privileges to access the bluetooth adapter")

  // benign abort, the transport returns to Idle.
  ErrSelectionCancelled = errors.New("device selection cancelled")

  // link errors: retryable through Reconnect().
  ErrLinkFailed = errors.New("link failed")
  ErrServiceNotFound = errors.New("heart rate service not found")
  ErrCharacteristicNotFound = errors.New("heart rate measurement characteristic not found")
  ErrSubscriptionFailed = errors.New("subscription to heart rate notifications failed")

  ErrMaxAttemptsExceeded = errors.New("maximum reconnection attempts exceeded")
)

// IsRetryable reports whether a Reconnect() may succeed where err failed.
func IsRetryable(err error) bool {
  return utils.ErrorIsAnyOf(err,
    ErrLinkFailed, ErrServiceNotFound, ErrCharacteristicNotFound, ErrSubscriptionFailed)
}

// Describe returns a message for end users. The wording does not depend on which
// adapter implementation produced the error.
func Describe(err error) string {
  switch {
  case errors.Is(err, ErrUnsupported):
    return "Bluetooth is not available on this device."
  case errors.Is(err, ErrInsecureContext):
    return "Bluetooth access was denied. Check the service permissions."
  case errors.Is(err, ErrSelectionCancelled):
    return "No heart rate sensor was selected."
  case errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrCharacteristicNotFound):
    return "The selected device does not provide heart rate data."
  case errors.Is(err, ErrSubscriptionFailed):
    return "Could not start receiving heart rate data from the sensor."
  case errors.Is(err, ErrMaxAttemptsExceeded):
    return "Lost connection to the heart rate sensor and could not reconnect."
  case errors.Is(err, ErrLinkFailed):
    return "Could not connect to the heart rate sensor."
  default:
    return "Unexpected heart rate sensor error."
  }
}
