package radio

import (
  "context"
  "errors"
  "fmt"
  "net"
  "strings"
  "sync"
  "time"

  "github.com/robertof/go-hr-bridge/ble"
  "github.com/rs/zerolog/log"
)

const DefaultSelectionTimeout = 10 * time.Second

// HCIAdapter drives a local HCI controller. The controller is opened on the first Check()
// that succeeds; failed opens are retried on the next one.
type HCIAdapter struct {
  DeviceID int
  ConnParams ble.ConnParams
  // If non-empty, only these sensors may be selected.
  Addresses []net.HardwareAddr
  SelectionTimeout time.Duration

  mu sync.Mutex
  handle *ble.Handle
  open func(deviceId int, params ble.ConnParams, flags ble.Flags) (*ble.Handle, error)
}

func (a *HCIAdapter) Check() error {
  a.mu.Lock()
  defer a.mu.Unlock()

  if a.handle != nil {
    return nil
  }

  flags := ble.FlagScanTypeActive

  if len(a.Addresses) > 0 {
    flags |= ble.FlagEnableDeviceAllowList
  }

  params := a.ConnParams

  if params == "" {
    params = ble.ConnParamsDefault
  }

  open := a.open

  if open == nil {
    open = ble.InitWithConnParams
  }

  handle, err := open(a.DeviceID, params, flags)

  if err != nil {
    if ble.IsPermissionError(err) {
      return fmt.Errorf("%w: %v", ErrInsecureContext, err)
    }

    return fmt.Errorf("%w: %v", ErrUnsupported, err)
  }

  if len(a.Addresses) > 0 {
    if err := handle.SetAllowListedAddresses(a.Addresses); err != nil {
      // selection still filters by address, the controller allow-list only saves power.
      log.Error().Err(err).Msg("radio: failed to set device allow list")
    }
  }

  a.handle = handle

  return nil
}

func (a *HCIAdapter) current() *ble.Handle {
  a.mu.Lock()
  defer a.mu.Unlock()

  return a.handle
}

func (a *HCIAdapter) accept(adv ble.Advertisement) bool {
  if len(a.Addresses) == 0 {
    return true
  }

  for _, addr := range a.Addresses {
    if strings.EqualFold(addr.String(), adv.Addr().String()) {
      return true
    }
  }

  return false
}

func (a *HCIAdapter) Select(ctx context.Context, service ble.UUID) (Candidate, error) {
  timeout := a.SelectionTimeout

  if timeout <= 0 {
    timeout = DefaultSelectionTimeout
  }

  ctx, cancel := context.WithTimeout(ctx, timeout)
  defer cancel()

  adv, err := a.current().SelectByService(ctx, service, a.accept)

  if errors.Is(err, ble.ErrNoDeviceSelected) {
    return Candidate{}, fmt.Errorf("%w: %v", ErrSelectionCancelled, err)
  } else if err != nil {
    return Candidate{}, fmt.Errorf("%w: %v", ErrLinkFailed, err)
  }

  return Candidate{
    Addr: adv.Addr(),
    Label: adv.LocalName(),
  }, nil
}

func (a *HCIAdapter) Dial(ctx context.Context, addr ble.Addr) (Link, error) {
  client, err := a.current().Connect(ctx, addr)

  if err != nil {
    return nil, fmt.Errorf("%w: %v", ErrLinkFailed, err)
  }

  return client, nil
}

func (a *HCIAdapter) Close() {
  if h := a.current(); h != nil {
    h.Stop()
  }
}
