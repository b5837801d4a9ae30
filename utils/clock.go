package utils

import (
  "sort"
  "sync"
  "time"
)

// Clock is the time source used by everything that enforces expiry or schedules work.
type Clock interface {
  Now() time.Time
  NewTicker(d time.Duration) Ticker
}

type Ticker interface {
  C() <-chan time.Time
  Stop()
}

type systemClock struct{}

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time {
  return time.Now()
}

func (systemClock) NewTicker(d time.Duration) Ticker {
  return &systemTicker{time.NewTicker(d)}
}

type systemTicker struct {
  t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time {
  return s.t.C
}

func (s *systemTicker) Stop() {
  s.t.Stop()
}

// FakeClock is a manually advanced Clock. Ticks are delivered synchronously from
// Advance(): every due tick blocks until it is received or the ticker is stopped.
type FakeClock struct {
  mu      sync.Mutex
  now     time.Time
  tickers []*fakeTicker
}

func NewFakeClock(now time.Time) *FakeClock {
  return &FakeClock{now: now}
}

func (f *FakeClock) Now() time.Time {
  f.mu.Lock()
  defer f.mu.Unlock()

  return f.now
}

func (f *FakeClock) NewTicker(d time.Duration) Ticker {
  if d <= 0 {
    panic("non-positive interval for FakeClock.NewTicker")
  }

  f.mu.Lock()
  defer f.mu.Unlock()

  t := &fakeTicker{
    c:      make(chan time.Time),
    done:   make(chan struct{}),
    period: d,
    next:   f.now.Add(d),
  }

  f.tickers = append(f.tickers, t)

  return t
}

// Tickers returns the number of tickers which have not been stopped.
func (f *FakeClock) Tickers() int {
  f.mu.Lock()
  defer f.mu.Unlock()

  n := 0

  for _, t := range f.tickers {
    if !t.stopped() {
      n += 1
    }
  }

  return n
}

func (f *FakeClock) Advance(d time.Duration) {
  f.mu.Lock()
  f.now = f.now.Add(d)
  now := f.now

  type tick struct {
    t  *fakeTicker
    at time.Time
  }

  var due []tick

  for _, t := range f.tickers {
    for !t.next.After(now) {
      due = append(due, tick{t, t.next})
      t.next = t.next.Add(t.period)
    }
  }
  f.mu.Unlock()

  sort.SliceStable(due, func(i, j int) bool {
    return due[i].at.Before(due[j].at)
  })

  for _, d := range due {
    select {
    case d.t.c <- d.at:
    case <-d.t.done:
    }
  }
}

type fakeTicker struct {
  c      chan time.Time
  done   chan struct{}
  once   sync.Once
  period time.Duration
  next   time.Time
}

func (t *fakeTicker) C() <-chan time.Time {
  return t.c
}

func (t *fakeTicker) Stop() {
  t.once.Do(func() {
    close(t.done)
  })
}

func (t *fakeTicker) stopped() bool {
  select {
  case <-t.done:
    return true
  default:
    return false
  }
}
