// Package radiotest provides in-memory fakes of the radio transport's platform side.
package radiotest

import (
  "context"
  "sync"

  "github.com/robertof/go-hr-bridge/ble"
  "github.com/robertof/go-hr-bridge/transport/radio"
)

const (
  Address = "aa:bb:cc:dd:ee:ff"
  Label = "Polar H10 1234"
)

func HeartRateProfile() *ble.Profile {
  return &ble.Profile{
    Services: []*ble.Service{{
      UUID: ble.HeartRateServiceUUID,
      Characteristics: []*ble.Characteristic{{
        UUID:     ble.HeartRateMeasurementUUID,
        Property: ble.CharNotify,
      }},
    }},
  }
}

type Link struct {
  Profile      *ble.Profile
  ProfileErr   error
  SubscribeErr error

  mu           sync.Mutex
  handler      ble.NotificationHandler
  unsubscribed bool
  cancelled    bool
  disconnected chan struct{}
  once         sync.Once
}

func NewLink() *Link {
  return &Link{
    Profile:      HeartRateProfile(),
    disconnected: make(chan struct{}),
  }
}

func (l *Link) Addr() ble.Addr { return ble.NewAddr(Address) }
func (l *Link) Name() string   { return Label }

func (l *Link) DiscoverProfile(bool) (*ble.Profile, error) {
  return l.Profile, l.ProfileErr
}

func (l *Link) Subscribe(_ *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
  if l.SubscribeErr != nil {
    return l.SubscribeErr
  }

  l.mu.Lock()
  defer l.mu.Unlock()

  l.handler = h

  return nil
}

func (l *Link) Unsubscribe(*ble.Characteristic, bool) error {
  l.mu.Lock()
  defer l.mu.Unlock()

  l.unsubscribed = true
  l.handler = nil

  return nil
}

func (l *Link) CancelConnection() error {
  l.mu.Lock()
  l.cancelled = true
  l.mu.Unlock()

  l.Drop()

  return nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.disconnected }

// Drop simulates the sensor going out of range.
func (l *Link) Drop() {
  l.once.Do(func() { close(l.disconnected) })
}

// Notify delivers data to the subscribed handler, if any.
func (l *Link) Notify(data []byte) {
  if h := l.Handler(); h != nil {
    h(data)
  }
}

// Handler returns the currently subscribed handler. Tests keep it to emulate notifications
// racing with an unsubscribe.
func (l *Link) Handler() ble.NotificationHandler {
  l.mu.Lock()
  defer l.mu.Unlock()

  return l.handler
}

func (l *Link) Released() (unsubscribed, cancelled bool) {
  l.mu.Lock()
  defer l.mu.Unlock()

  return l.unsubscribed, l.cancelled
}

type Adapter struct {
  mu       sync.Mutex
  checkErr error
  dialErr  error
  selectFn func(ctx context.Context) (radio.Candidate, error)
  newLink  func() *Link
  links    []*Link
  checks   int
  selects  int
  dials    int
}

func NewAdapter() *Adapter {
  return &Adapter{newLink: NewLink}
}

func (a *Adapter) SetCheckErr(err error) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.checkErr = err
}

func (a *Adapter) SetDialErr(err error) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.dialErr = err
}

func (a *Adapter) SetSelect(f func(ctx context.Context) (radio.Candidate, error)) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.selectFn = f
}

// SetNewLink customizes the links handed out by Dial.
func (a *Adapter) SetNewLink(f func() *Link) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.newLink = f
}

func (a *Adapter) Check() error {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.checks += 1

  return a.checkErr
}

func (a *Adapter) Select(ctx context.Context, service ble.UUID) (radio.Candidate, error) {
  a.mu.Lock()
  a.selects += 1
  selectFn := a.selectFn
  a.mu.Unlock()

  if selectFn != nil {
    return selectFn(ctx)
  }

  return radio.Candidate{Addr: ble.NewAddr(Address), Label: Label}, nil
}

func (a *Adapter) Dial(ctx context.Context, addr ble.Addr) (radio.Link, error) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.dials += 1

  if a.dialErr != nil {
    return nil, a.dialErr
  }

  link := a.newLink()
  a.links = append(a.links, link)

  return link, nil
}

func (a *Adapter) LastLink() *Link {
  a.mu.Lock()
  defer a.mu.Unlock()

  if len(a.links) == 0 {
    return nil
  }

  return a.links[len(a.links) - 1]
}

// Calls returns how many times each platform operation was invoked.
func (a *Adapter) Calls() (checks, selects, dials int) {
  a.mu.Lock()
  defer a.mu.Unlock()

  return a.checks, a.selects, a.dials
}
