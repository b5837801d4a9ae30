package ble

import (
  "testing"

  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestConnParams_Set(t *testing.T) {
  var p ConnParams

  require.NoError(t, p.Set(""))
  assert.Equal(t, ConnParamsDefault, p)

  require.NoError(t, p.Set("power-saving"))
  assert.Equal(t, ConnParamsPowerSaving, p)

  assert.Error(t, p.Set("turbo"))
  assert.Equal(t, ConnParamsPowerSaving, p)
}

func TestConnParams_RespectSupervisionTimeout(t *testing.T) {
  for _, p := range allConnParams {
    opts := p.AdapterOptions()

    // interval (1.25ms units) * (latency + 1) * 2 must not exceed the timeout (10ms units).
    effective := float64(opts.ConnIntervalMax) * 1.25 * float64(opts.ConnLatency + 1)
    assert.LessOrEqual(t, effective * 2, float64(opts.SupervisionTimeout) * 10, "preset %v", p)
  }
}

func TestFlags_String(t *testing.T) {
  assert.Equal(t, "none", Flags(0).String())
  assert.Equal(t, "active scan, device allow-list", (FlagScanTypeActive | FlagEnableDeviceAllowList).String())
}
