package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-hr-bridge/ble"
)

type deviceInfo struct {
  name string
  connectable bool
  services map[string]bool
}

func (d deviceInfo) isHeartRateSensor() bool {
  return d.services[ble.HeartRateServiceUUID.String()]
}

// mergeAdvertisement folds one advertisement into what is known about its sender. Scan
// responses often carry the name or services the first advertisement lacked.
func mergeAdvertisement(known map[string]deviceInfo, a ble.Advertisement) deviceInfo {
  addr := a.Addr().String()
  info, ok := known[addr]

  if !ok {
    info.services = make(map[string]bool)
  }

  if info.name == "" {
    info.name = a.LocalName()
  }

  info.connectable = info.connectable || a.Connectable()

  for _, uuid := range a.Services() {
    info.services[uuid.String()] = true
  }

  known[addr] = info

  return info
}

func doDeviceDiscovery(cfg config) {
  log.Info().Msg("Starting in device discovery mode - looking for heart rate sensors for 5 seconds...")

  handle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, ble.FlagScanTypeActive)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  defer handle.Stop()

  ctx := ble.WrapContextWithSigHandler(
    context.WithTimeout(
      context.Background(),
      5 * time.Second,
    ),
  )

  devices := make(map[string]deviceInfo)

  err = handle.ScanAll(ctx, func(a ble.Advertisement) {
    info := mergeAdvertisement(devices, a)

    log.Debug().
      Str("Addr", a.Addr().String()).
      Str("Name", a.LocalName()).
      Bool("Connectable", a.Connectable()).
      Bool("HeartRate", info.isHeartRateSensor()).
      Strs("Services", maps.Keys(info.services)).
      Hex("ManufacturerData", a.ManufacturerData()).
      Msg("Received device advertisement")
  })

  if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
    log.Fatal().Err(err).Msg("Failed to initiate scan")
  }

  sensors := 0

  for addr, data := range devices {
    if !data.isHeartRateSensor() {
      continue
    }

    sensors += 1

    log.Info().
      Str("Addr", addr).
      Str("Name", data.name).
      Bool("Connectable", data.connectable).
      Strs("Services", maps.Keys(data.services)).
      Msg("Found heart rate sensor")
  }

  log.Info().
    Int("Found", len(devices)).
    Int("HeartRateSensors", sensors).
    Msg("Finished device discovery - pass -device-addr to pin a sensor")
}
