package main

import (
	"testing"

	goble "github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"

	"github.com/robertof/go-hr-bridge/ble"
)

type fakeAdvertisement struct {
  addr string
  name string
  connectable bool
  services []goble.UUID
}

func (a fakeAdvertisement) LocalName() string { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte { return nil }
func (a fakeAdvertisement) ServiceData() []goble.ServiceData { return nil }
func (a fakeAdvertisement) Services() []goble.UUID { return a.services }
func (a fakeAdvertisement) OverflowService() []goble.UUID { return nil }
func (a fakeAdvertisement) TxPowerLevel() int { return 0 }
func (a fakeAdvertisement) Connectable() bool { return a.connectable }
func (a fakeAdvertisement) SolicitedService() []goble.UUID { return nil }
func (a fakeAdvertisement) RSSI() int { return -60 }
func (a fakeAdvertisement) Addr() goble.Addr { return ble.NewAddr(a.addr) }

func TestMergeAdvertisement(t *testing.T) {
  known := make(map[string]deviceInfo)

  first := mergeAdvertisement(known, fakeAdvertisement{
    addr: "aa:bb:cc:dd:ee:ff",
    connectable: true,
    services: []goble.UUID{goble.UUID16(0x180f)},
  })
  assert.False(t, first.isHeartRateSensor())
  assert.Empty(t, first.name)

  merged := mergeAdvertisement(known, fakeAdvertisement{
    addr: "aa:bb:cc:dd:ee:ff",
    name: "Polar H10 1234",
    services: []goble.UUID{ble.HeartRateServiceUUID},
  })

  assert.True(t, merged.isHeartRateSensor())
  assert.True(t, merged.connectable)
  assert.Equal(t, "Polar H10 1234", merged.name)
  assert.Len(t, merged.services, 2)
  assert.Len(t, known, 1)

  other := mergeAdvertisement(known, fakeAdvertisement{addr: "11:22:33:44:55:66", name: "Kettle"})
  assert.False(t, other.isHeartRateSensor())
  assert.Len(t, known, 2)
}
