package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/rs/zerolog/log"
)

// ErrNoDeviceSelected is returned when the scan ends before a matching device is seen.
var ErrNoDeviceSelected = errors.New("no device selected")

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and return every advertisement found.
func (h *Handle) ScanAll(ctx context.Context, onDevice func(Advertisement)) error {
  err := h.dev.Scan(ctx, true, onDevice)

  if err != nil {
    return fmt.Errorf("failed to initiate scan: %w", err)
  }

  return nil
}

// SelectByService scans until a connectable device advertising service is found and accepted
// by accept (nil accepts everything). The scan ends with ErrNoDeviceSelected once ctx is done.
func (h *Handle) SelectByService(
  parentCtx context.Context,
  service UUID,
  accept func(Advertisement) bool,
) (Advertisement, error) {
  ctx, cancel := context.WithCancel(parentCtx)
  defer cancel()

  var (
    mu sync.Mutex
    selected Advertisement
  )

  callback := func(a Advertisement) {
    // the BLE lib could send an advertisement even after `Scan()` returns.
    select {
    case <-ctx.Done():
      return
    default:
    }

    if !a.Connectable() || !ble.Contains(a.Services(), service) {
      return
    }

    if accept != nil && !accept(a) {
      log.Trace().
        Str("Addr", a.Addr().String()).
        Str("Name", a.LocalName()).
        Msg("ble: ignoring device rejected by filter")
      return
    }

    mu.Lock()
    defer mu.Unlock()

    if selected != nil {
      return
    }

    log.Debug().
      Str("Addr", a.Addr().String()).
      Str("Name", a.LocalName()).
      Int("RSSI", a.RSSI()).
      Msg("ble: selected device")

    selected = a
    cancel()
  }

  err := h.dev.Scan(ctx, false, callback)

  mu.Lock()
  defer mu.Unlock()

  if selected != nil {
    return selected, nil
  }

  if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
    return nil, fmt.Errorf("%w: %v", ErrNoDeviceSelected, parentCtx.Err())
  }

  return nil, fmt.Errorf("failed to initiate scan: %w", err)
}
