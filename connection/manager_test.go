package connection_test

import (
  "context"
  "errors"
  "net/http"
  "net/http/httptest"
  "sync"
  "sync/atomic"
  "testing"
  "time"

  "github.com/robertof/go-hr-bridge/connection"
  "github.com/robertof/go-hr-bridge/event"
  "github.com/robertof/go-hr-bridge/hr"
  "github.com/robertof/go-hr-bridge/token"
  "github.com/robertof/go-hr-bridge/transport/cloud"
  "github.com/robertof/go-hr-bridge/transport/radio"
  "github.com/robertof/go-hr-bridge/transport/radio/radiotest"
  "github.com/robertof/go-hr-bridge/utils"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

const intradayBody = `{"activities-heart-intraday": {"dataset": [{"time": "07:59:50", "value": 64}]}}`

type harness struct {
  clock *utils.FakeClock
  adapter *radiotest.Adapter
  radio *radio.Transport
  store *token.Store
  cloud *cloud.Transport
  manager *connection.Manager
  requests atomic.Int32
  status atomic.Int32

  mu sync.Mutex
  events []event.Event
}

func newHarness(t *testing.T, opts connection.Options) *harness {
  return newWrappedHarness(t, opts, nil)
}

// newWrappedHarness lets a test interpose on the radio transport handed to the manager.
func newWrappedHarness(t *testing.T, opts connection.Options, wrap func(*radio.Transport) connection.RadioTransport) *harness {
  h := &harness{
    clock: utils.NewFakeClock(epoch),
    adapter: radiotest.NewAdapter(),
  }
  h.status.Store(http.StatusOK)

  srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
    h.requests.Add(1)

    if code := int(h.status.Load()); code != http.StatusOK {
      w.WriteHeader(code)
      return
    }

    w.Write([]byte(intradayBody))
  }))
  t.Cleanup(srv.Close)

  h.radio = radio.New(h.adapter, radio.Options{MaxReconnectAttempts: 2, Clock: h.clock})
  h.store = token.NewStore(token.NewMemoryKV(), "test", h.clock)
  h.cloud = cloud.New(cloud.Config{
    ClientID: "23ABCD",
    RedirectURI: "http://localhost:8080/callback",
    APIURL: srv.URL,
  }, h.store, cloud.Options{Clock: h.clock})

  if opts.BackoffFactor == 0 {
    opts.BackoffFactor = time.Millisecond
  }

  opts.Clock = h.clock

  var r connection.RadioTransport = h.radio

  if wrap != nil {
    r = wrap(h.radio)
  }

  h.manager = connection.New(r, h.cloud, opts)
  h.manager.OnData(func(ev event.Event) {
    h.mu.Lock()
    defer h.mu.Unlock()

    h.events = append(h.events, ev)
  })
  t.Cleanup(h.manager.Close)

  return h
}

func (h *harness) authorize(t *testing.T, lifetime time.Duration) {
  require.NoError(t, h.store.Save(token.AuthToken{
    AccessToken: "tok",
    OwnerID: "U1",
    ExpiresAt: epoch.Add(lifetime),
  }))
}

func (h *harness) received() []event.Event {
  h.mu.Lock()
  defer h.mu.Unlock()

  return append([]event.Event(nil), h.events...)
}

func (h *harness) waitEvents(t *testing.T, n int) []event.Event {
  require.Eventually(t, func() bool {
    return len(h.received()) >= n
  }, time.Second, time.Millisecond)

  return h.received()
}

// advanceUntil moves the clock past pending reconnection backoffs until cond holds.
func (h *harness) advanceUntil(t *testing.T, cond func() bool) {
  require.Eventually(t, func() bool {
    h.clock.Advance(10 * time.Millisecond)
    return cond()
  }, time.Second, time.Millisecond)
}

func sampleOf(t *testing.T, ev event.Event) hr.Sample {
  s, ok := ev.(event.SampleEvent)
  require.True(t, ok, "expected a sample event, got %T", ev)

  return s.Sample
}

func TestConnect_SetupErrors(t *testing.T) {
  h := newHarness(t, connection.Options{})

  err := h.manager.Connect(context.Background(), hr.SourceNone)
  assert.ErrorIs(t, err, connection.ErrUnknownSource)

  unconfigured := connection.New(nil, cloud.New(cloud.Config{}, h.store, cloud.Options{}), connection.Options{})
  defer unconfigured.Close()

  assert.ErrorIs(t, unconfigured.Connect(context.Background(), hr.SourceRadio), connection.ErrMissingConfiguration)
  assert.ErrorIs(t, unconfigured.Connect(context.Background(), hr.SourceCloud), connection.ErrMissingConfiguration)
}

func TestConnect_RadioStreamsSamples(t *testing.T) {
  h := newHarness(t, connection.Options{})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))

  link := h.adapter.LastLink()
  link.Notify([]byte{0x00, 72})
  link.Notify([]byte{0x00, 10})
  link.Notify([]byte{0x00, 74})

  events := h.waitEvents(t, 2)
  assert.Equal(t, 72, sampleOf(t, events[0]).Value)
  assert.Equal(t, 74, sampleOf(t, events[1]).Value)
  assert.Equal(t, hr.SourceRadio, sampleOf(t, events[0]).Source)

  assert.Equal(t, connection.Status{
    ActiveSource: hr.SourceRadio,
    Radio: &connection.RadioStatus{Connected: true, DeviceLabel: radiotest.Label},
    Cloud: &connection.CloudStatus{Authorized: false, Polling: false},
  }, h.manager.Status())
}

func TestConnect_SwitchTearsDownRadioFirst(t *testing.T) {
  h := newHarness(t, connection.Options{})
  h.authorize(t, time.Hour)

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))

  link := h.adapter.LastLink()
  handler := link.Handler()
  link.Notify([]byte{0x00, 70})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceCloud))

  unsubscribed, cancelled := link.Released()
  assert.True(t, unsubscribed)
  assert.True(t, cancelled)

  // a notification racing with the teardown must not leak through.
  handler([]byte{0x00, 99})

  // the radio sample may or may not have made it out before the switch.
  require.Eventually(t, func() bool {
    events := h.received()
    return len(events) > 0 && sampleOf(t, events[len(events) - 1]).Source == hr.SourceCloud
  }, time.Second, time.Millisecond)

  events := h.received()
  last := sampleOf(t, events[len(events) - 1])
  assert.Equal(t, 64, last.Value)
  assert.False(t, last.IsRealTime)

  for _, ev := range events {
    assert.NotEqual(t, 99, sampleOf(t, ev).Value)
  }

  st := h.manager.Status()
  assert.Equal(t, hr.SourceCloud, st.ActiveSource)
  assert.False(t, st.Radio.Connected)
  assert.True(t, st.Cloud.Polling)
}

func TestConnect_SelectionCancelledIsBenign(t *testing.T) {
  h := newHarness(t, connection.Options{})
  h.adapter.SetSelect(func(ctx context.Context) (radio.Candidate, error) {
    return radio.Candidate{}, radio.ErrSelectionCancelled
  })

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))

  assert.Never(t, func() bool { return len(h.received()) > 0 }, 50 * time.Millisecond, 5 * time.Millisecond)
  assert.Equal(t, hr.SourceNone, h.manager.Status().ActiveSource)
}

func TestConnect_RadioFailureBecomesEvent(t *testing.T) {
  h := newHarness(t, connection.Options{})
  h.adapter.SetCheckErr(radio.ErrUnsupported)

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))

  events := h.waitEvents(t, 1)
  ev, ok := events[0].(event.ErrorEvent)
  require.True(t, ok)
  assert.Equal(t, radio.Describe(radio.ErrUnsupported), ev.Message)
  assert.ErrorIs(t, ev.Err, radio.ErrUnsupported)
  assert.Equal(t, hr.SourceNone, h.manager.Status().ActiveSource)
}

func TestConnect_CloudRequiresAuthorization(t *testing.T) {
  h := newHarness(t, connection.Options{})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceCloud))

  events := h.waitEvents(t, 1)
  ev, ok := events[0].(event.ErrorEvent)
  require.True(t, ok)
  assert.ErrorIs(t, ev.Err, connection.ErrAuthorizationRequired)
  assert.NotEmpty(t, ev.Message)
  assert.Equal(t, int32(0), h.requests.Load())

  st := h.manager.Status()
  assert.Equal(t, hr.SourceNone, st.ActiveSource)
  assert.Equal(t, &connection.CloudStatus{Authorized: false, Polling: false}, st.Cloud)
}

func TestCloud_TokenExpiryDisconnects(t *testing.T) {
  h := newHarness(t, connection.Options{PollInterval: 15 * time.Second})
  h.authorize(t, time.Millisecond)

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceCloud))
  require.Equal(t, 64, sampleOf(t, h.waitEvents(t, 1)[0]).Value)
  require.True(t, h.manager.Status().Cloud.Polling)

  h.clock.Advance(15 * time.Second)

  events := h.waitEvents(t, 2)
  assert.Equal(t, event.DisconnectedEvent{Source: hr.SourceCloud, Message: "authorization expired"}, events[1])

  st := h.manager.Status()
  assert.Equal(t, hr.SourceNone, st.ActiveSource)
  assert.False(t, st.Cloud.Authorized)
  assert.False(t, st.Cloud.Polling)
  assert.Equal(t, 0, h.clock.Tickers())
}

func TestCloud_RejectedTokenOnFirstPoll(t *testing.T) {
  h := newHarness(t, connection.Options{})
  h.authorize(t, time.Hour)
  h.status.Store(http.StatusUnauthorized)

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceCloud))

  events := h.waitEvents(t, 1)
  assert.Equal(t, event.DisconnectedEvent{Source: hr.SourceCloud, Message: "authorization expired"}, events[0])
  assert.Never(t, func() bool { return len(h.received()) > 1 }, 50 * time.Millisecond, 5 * time.Millisecond)
  assert.False(t, h.manager.Status().Cloud.Polling)
}

func TestCloud_TransientErrorsKeepPolling(t *testing.T) {
  h := newHarness(t, connection.Options{})
  h.authorize(t, time.Hour)
  h.status.Store(http.StatusServiceUnavailable)

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceCloud))

  st := h.manager.Status()
  assert.Equal(t, hr.SourceCloud, st.ActiveSource)
  assert.True(t, st.Cloud.Polling)
  assert.Empty(t, h.received())
}

func TestRadio_LinkLossReconnects(t *testing.T) {
  h := newHarness(t, connection.Options{})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  first := h.adapter.LastLink()

  first.Drop()

  events := h.waitEvents(t, 1)
  assert.Equal(t, event.DisconnectedEvent{Source: hr.SourceRadio, Message: "heart rate sensor disconnected"}, events[0])

  h.advanceUntil(t, func() bool {
    return h.radio.State() == radio.StateConnected && h.adapter.LastLink() != first
  })

  h.adapter.LastLink().Notify([]byte{0x00, 80})

  events = h.waitEvents(t, 2)
  assert.Equal(t, 80, sampleOf(t, events[1]).Value)
  assert.Equal(t, hr.SourceRadio, h.manager.Status().ActiveSource)
}

func TestRadio_ReconnectIsBounded(t *testing.T) {
  h := newHarness(t, connection.Options{})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  h.adapter.SetDialErr(errors.New("page timeout"))
  h.adapter.LastLink().Drop()

  // disconnected, two failed attempts, then the budget runs out
  h.advanceUntil(t, func() bool { return len(h.received()) >= 4 })

  events := h.received()
  require.Len(t, events, 4)

  assert.IsType(t, event.DisconnectedEvent{}, events[0])

  for _, ev := range events[1:3] {
    errEv, ok := ev.(event.ErrorEvent)
    require.True(t, ok)
    assert.ErrorIs(t, errEv.Err, radio.ErrLinkFailed)
  }

  final, ok := events[3].(event.ErrorEvent)
  require.True(t, ok)
  assert.ErrorIs(t, final.Err, radio.ErrMaxAttemptsExceeded)

  _, _, dials := h.adapter.Calls()
  assert.Equal(t, 3, dials)

  require.Eventually(t, func() bool {
    return h.manager.Status().ActiveSource == hr.SourceNone
  }, time.Second, time.Millisecond)
}

func TestRadio_ReconnectWaitsForBackoff(t *testing.T) {
  h := newHarness(t, connection.Options{BackoffFactor: time.Minute})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  h.adapter.LastLink().Drop()
  h.waitEvents(t, 1)

  require.Eventually(t, func() bool { return h.clock.Tickers() == 1 }, time.Second, time.Millisecond)

  h.clock.Advance(59 * time.Second)
  _, _, dials := h.adapter.Calls()
  assert.Equal(t, 1, dials)

  h.clock.Advance(time.Second)
  require.Eventually(t, func() bool {
    return h.radio.State() == radio.StateConnected
  }, time.Second, time.Millisecond)

  _, _, dials = h.adapter.Calls()
  assert.Equal(t, 2, dials)
}

// gatedRadio holds Reconnect calls until released, widening the window between the end
// of a backoff and the reconnection itself.
type gatedRadio struct {
  *radio.Transport
  entered chan struct{}
  gate chan struct{}
  done chan error
}

func (g *gatedRadio) Reconnect(ctx context.Context) (radio.DeviceHandle, error) {
  g.entered <- struct{}{}
  <-g.gate

  dev, err := g.Transport.Reconnect(ctx)
  g.done <- err

  return dev, err
}

func TestRadio_StaleReconnectSparesNewSession(t *testing.T) {
  g := &gatedRadio{
    entered: make(chan struct{}, 1),
    gate: make(chan struct{}),
    done: make(chan error, 1),
  }

  h := newWrappedHarness(t, connection.Options{}, func(tr *radio.Transport) connection.RadioTransport {
    g.Transport = tr
    return g
  })

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  first := h.adapter.LastLink()
  first.Drop()
  h.waitEvents(t, 1)

  h.advanceUntil(t, func() bool {
    select {
    case <-g.entered:
      return true
    default:
      return false
    }
  })

  // the old session's reconnection is past its backoff; start a new session meanwhile.
  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  second := h.adapter.LastLink()
  require.NotSame(t, first, second)

  close(g.gate)

  select {
  case err := <-g.done:
    assert.ErrorIs(t, err, context.Canceled)
  case <-time.After(time.Second):
    t.Fatal("reconnection of the ended session did not return")
  }

  unsubscribed, cancelled := second.Released()
  assert.False(t, unsubscribed)
  assert.False(t, cancelled)
  assert.Equal(t, radio.StateConnected, h.radio.State())
  assert.Equal(t, hr.SourceRadio, h.manager.Status().ActiveSource)

  _, _, dials := h.adapter.Calls()
  assert.Equal(t, 2, dials)

  second.Notify([]byte{0x00, 75})

  events := h.waitEvents(t, 2)
  require.Len(t, events, 2)
  assert.Equal(t, 75, sampleOf(t, events[1]).Value)
}

func TestRadio_ReconnectDisabled(t *testing.T) {
  h := newHarness(t, connection.Options{DisableReconnect: true})

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  h.adapter.LastLink().Drop()

  events := h.waitEvents(t, 1)
  assert.IsType(t, event.DisconnectedEvent{}, events[0])

  require.Eventually(t, func() bool {
    return h.manager.Status().ActiveSource == hr.SourceNone
  }, time.Second, time.Millisecond)

  _, _, dials := h.adapter.Calls()
  assert.Equal(t, 1, dials)
}

func TestDisconnect_IsSilentAndIdempotent(t *testing.T) {
  h := newHarness(t, connection.Options{})

  h.manager.Disconnect()

  require.NoError(t, h.manager.Connect(context.Background(), hr.SourceRadio))
  link := h.adapter.LastLink()

  h.manager.Disconnect()
  h.manager.Disconnect()

  unsubscribed, cancelled := link.Released()
  assert.True(t, unsubscribed)
  assert.True(t, cancelled)
  assert.Equal(t, hr.SourceNone, h.manager.Status().ActiveSource)
  assert.Never(t, func() bool { return len(h.received()) > 0 }, 50 * time.Millisecond, 5 * time.Millisecond)
}

func TestAuthorizationPassThrough(t *testing.T) {
  h := newHarness(t, connection.Options{})

  u, err := h.manager.BeginAuthorization()
  require.NoError(t, err)
  require.NotNil(t, u)

  ok := h.manager.CompleteAuthorization("#access_token=abc&user_id=U1&expires_in=3600&state=" + u.Query().Get("state"))
  assert.True(t, ok)
  assert.True(t, h.manager.Status().Cloud.Authorized)
}

func TestClose_RejectsConnect(t *testing.T) {
  h := newHarness(t, connection.Options{})

  h.manager.Close()

  assert.ErrorIs(t, h.manager.Connect(context.Background(), hr.SourceRadio), connection.ErrClosed)
}
