package ble

import (
  "fmt"
  "slices"

  "github.com/go-ble/ble/linux/hci/cmd"
)

type ConnParams string

const (
  ConnParamsDefault     ConnParams = "default"
  ConnParamsPowerSaving ConnParams = "power-saving"
)

var allConnParams = []ConnParams{ConnParamsDefault, ConnParamsPowerSaving}

// *flag.Value
func (c *ConnParams) String() string {
  return string(*c)
}

func (c *ConnParams) Set(v string) error {
  if v == "" {
    *c = ConnParamsDefault
    return nil
  }

  p := ConnParams(v)

  if !slices.Contains(allConnParams, p) {
    return fmt.Errorf("unknown connection param %v (must be one of %v)", p, allConnParams)
  }

  *c = p
  return nil
}

// AdapterOptions returns the LE Create Connection parameters. Heart rate sensors notify
// about once per second, so even the default preset can afford a relaxed interval.
func (c ConnParams) AdapterOptions() cmd.LECreateConnection {
  p := cmd.LECreateConnection{
    LEScanInterval:        0x0010,    // 0x0004 - 0x4000; N * 0.625 msec
    LEScanWindow:          0x0010,    // 0x0004 - 0x4000; N * 0.625 msec
    InitiatorFilterPolicy: 0x00,      // White list is not used
    PeerAddressType:       0x00,      // Public Device Address
    PeerAddress:           [6]byte{}, //
    OwnAddressType:        0x00,      // Public Device Address
    ConnIntervalMin:       0x0018,    // 0x0006 - 0x0C80; N * 1.25 msec (30ms)
    ConnIntervalMax:       0x0028,    // 0x0006 - 0x0C80; N * 1.25 msec (50ms)
    ConnLatency:           0x0000,    // 0x0000 - 0x01F3; N * 1.25 msec
    SupervisionTimeout:    0x01f4,    // 0x000A - 0x0C80; N * 10 msec (5s)
    MinimumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
    MaximumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
  }

  switch c {
  case ConnParamsDefault:
    break
  case ConnParamsPowerSaving:
    // interval max * (latency + 1) must stay below half the supervision timeout, and a
    // sample every ~1s must still get through: 250ms * (3 + 1) = 1s, timeout 6s.
    p.ConnIntervalMin    = 0x00c8 // 250ms
    p.ConnIntervalMax    = 0x00c8 // 250ms
    p.ConnLatency        = 0x0003
    p.SupervisionTimeout = 0x0258 // 6s
  default:
    panic("unknown Bluetooth connection param: " + c)
  }

  return p
}
