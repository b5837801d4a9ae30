package utils_test

import (
  "testing"
  "time"

  "github.com/robertof/go-hr-bridge/utils"
  "github.com/stretchr/testify/assert"
)

func TestFakeClock_DeliversEveryDueTick(t *testing.T) {
  clock := utils.NewFakeClock(time.Unix(1000, 0))
  ticker := clock.NewTicker(time.Second)

  got := make(chan time.Time, 10)

  go func() {
    for tick := range ticker.C() {
      got <- tick
    }
  }()

  clock.Advance(3 * time.Second)

  assert.Eventually(t, func() bool { return len(got) == 3 }, time.Second, time.Millisecond)
  assert.Equal(t, time.Unix(1003, 0), clock.Now())
}

func TestFakeClock_StoppedTickerDoesNotBlock(t *testing.T) {
  clock := utils.NewFakeClock(time.Unix(0, 0))
  ticker := clock.NewTicker(time.Second)
  ticker.Stop()

  clock.Advance(5 * time.Second)

  assert.Equal(t, 0, clock.Tickers())
}
