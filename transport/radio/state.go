package radio

import "strconv"

type State uint8

const (
  StateIdle State = iota
  StateDiscovering
  StateConnecting
  StateConnected
  StateReconnecting
  StateDisconnected
  StateFailed
)

func (s State) String() string {
  switch s {
  case StateIdle:
    return "Idle"
  case StateDiscovering:
    return "Discovering"
  case StateConnecting:
    return "Connecting"
  case StateConnected:
    return "Connected"
  case StateReconnecting:
    return "Reconnecting"
  case StateDisconnected:
    return "Disconnected"
  case StateFailed:
    return "Failed"
  default:
    panic("unknown radio state: " + strconv.Itoa(int(s)))
  }
}
