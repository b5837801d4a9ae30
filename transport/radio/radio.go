// Package radio streams heart rate notifications from a Bluetooth LE sensor exposing the
// standard Heart Rate service.
package radio

import (
  "context"
  "errors"
  "fmt"
  "sync"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-hr-bridge/ble"
  "github.com/robertof/go-hr-bridge/hr"
  "github.com/robertof/go-hr-bridge/utils"
  "github.com/rs/zerolog/log"
)

const DefaultMaxReconnectAttempts = 3

var (
  notificationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "hrbridge_radio_notifications_total",
  })
  droppedNotificationsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "hrbridge_radio_dropped_notifications_total",
  }, []string{"reason"})
  reconnectAttemptsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "hrbridge_radio_reconnect_attempts_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    notificationsCounter,
    droppedNotificationsCounter,
    reconnectAttemptsCounter,
  )
}

// DeviceHandle identifies the sensor held by the current connection.
type DeviceHandle struct {
  ID string
  Label string
}

func (d DeviceHandle) String() string {
  return fmt.Sprintf("sensor[label=%q, id=%v]", d.Label, d.ID)
}

// Candidate is a device picked during discovery.
type Candidate struct {
  Addr ble.Addr
  Label string
}

// Link is the part of a BLE client connection the transport relies on.
type Link interface {
  Addr() ble.Addr
  Name() string
  DiscoverProfile(force bool) (*ble.Profile, error)
  Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
  Unsubscribe(c *ble.Characteristic, ind bool) error
  CancelConnection() error
  Disconnected() <-chan struct{}
}

// Adapter is the platform side of the transport.
type Adapter interface {
  // Check validates that the platform can run the transport at all. Errors must wrap
  // ErrUnsupported or ErrInsecureContext.
  Check() error
  // Select picks one device advertising service. Errors must wrap ErrSelectionCancelled
  // when nothing was picked.
  Select(ctx context.Context, service ble.UUID) (Candidate, error)
  Dial(ctx context.Context, addr ble.Addr) (Link, error)
}

type Options struct {
  MaxReconnectAttempts int
  Clock utils.Clock
}

type Transport struct {
  adapter Adapter
  maxAttempts int
  clock utils.Clock

  mu sync.Mutex
  state State
  attempts int
  // bumped whenever the current link or attempt is abandoned; goroutines holding an older
  // generation must not touch the transport.
  gen uint64
  cancelAttempt context.CancelFunc
  device *DeviceHandle
  link Link
  char *ble.Characteristic

  onSample func(hr.Sample)
  onDisconnect func()
}

func New(adapter Adapter, opts Options) *Transport {
  if opts.MaxReconnectAttempts <= 0 {
    opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
  }

  if opts.Clock == nil {
    opts.Clock = utils.SystemClock
  }

  return &Transport{
    adapter: adapter,
    maxAttempts: opts.MaxReconnectAttempts,
    clock: opts.Clock,
  }
}

// OnSample registers the callback receiving decoded samples, in notification order.
func (t *Transport) OnSample(f func(hr.Sample)) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.onSample = f
}

// OnDisconnect registers the callback invoked once per unsolicited link loss.
func (t *Transport) OnDisconnect(f func()) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.onDisconnect = f
}

func (t *Transport) State() State {
  t.mu.Lock()
  defer t.mu.Unlock()

  return t.state
}

func (t *Transport) Device() (DeviceHandle, bool) {
  t.mu.Lock()
  defer t.mu.Unlock()

  if t.device == nil {
    return DeviceHandle{}, false
  }

  return *t.device, true
}

// Connect starts a fresh session: any held link is released and the reconnection budget
// is restored.
func (t *Transport) Connect(ctx context.Context) (DeviceHandle, error) {
  t.Disconnect()

  t.mu.Lock()
  t.attempts = 0
  t.mu.Unlock()

  return t.establish(ctx, StateDiscovering)
}

// Reconnect repeats the discovery and connection sequence. Only MaxReconnectAttempts calls
// are honoured per session; later calls fail with ErrMaxAttemptsExceeded right away. A
// call with an already cancelled ctx leaves the transport untouched.
func (t *Transport) Reconnect(ctx context.Context) (DeviceHandle, error) {
  t.mu.Lock()

  // checked under the same lock Connect uses to restore the budget, so a caller from an
  // ended session can never release the link of the next one.
  if err := ctx.Err(); err != nil {
    t.mu.Unlock()
    return DeviceHandle{}, err
  }

  if t.attempts >= t.maxAttempts {
    t.mu.Unlock()
    return DeviceHandle{}, ErrMaxAttemptsExceeded
  }

  t.attempts += 1
  attempt := t.attempts
  abandon := t.detachLocked()
  t.mu.Unlock()

  abandon()

  reconnectAttemptsCounter.Inc()

  log.Info().
    Int("Attempt", attempt).
    Int("MaxAttempts", t.maxAttempts).
    Msg("radio: reconnecting to heart rate sensor")

  return t.establish(ctx, StateReconnecting)
}

// Disconnect releases everything the transport holds and aborts any attempt in progress.
// It is safe to call in any state and never fires the disconnect callback.
func (t *Transport) Disconnect() {
  t.mu.Lock()
  abandon := t.detachLocked()
  t.mu.Unlock()

  abandon()
}

// detachLocked abandons the current link or attempt and returns the function releasing
// it, to be called without t.mu held.
func (t *Transport) detachLocked() func() {
  t.gen += 1
  cancel := t.cancelAttempt
  link, char, device := t.link, t.char, t.device

  t.cancelAttempt = nil
  t.link, t.char, t.device = nil, nil, nil

  if t.state != StateIdle {
    t.state = StateDisconnected
  }

  return func() {
    if cancel != nil {
      cancel()
    }

    if link != nil {
      release(link, char)

      log.Info().Stringer("Device", device).Msg("radio: disconnected from heart rate sensor")
    }
  }
}

func release(link Link, char *ble.Characteristic) {
  if char != nil {
    if err := link.Unsubscribe(char, false); err != nil {
      log.Debug().Err(err).Msg("radio: failed to unsubscribe, cancelling connection anyway")
    }
  }

  if err := link.CancelConnection(); err != nil {
    log.Debug().Err(err).Msg("radio: failed to cancel connection")
  }
}

// transition moves to state unless the attempt identified by gen has been abandoned.
func (t *Transport) transition(gen uint64, state State) bool {
  t.mu.Lock()
  defer t.mu.Unlock()

  if t.gen != gen {
    return false
  }

  log.Trace().Stringer("From", t.state).Stringer("To", state).Msg("radio: state transition")

  t.state = state

  if state == StateIdle || state == StateFailed {
    t.cancelAttempt = nil
  }

  return true
}

func (t *Transport) establish(parentCtx context.Context, initial State) (DeviceHandle, error) {
  ctx, cancel := context.WithCancel(parentCtx)
  defer cancel()

  aborted := func() (DeviceHandle, error) {
    return DeviceHandle{}, fmt.Errorf("%w: aborted by disconnect", ErrSelectionCancelled)
  }

  t.mu.Lock()

  if parentCtx.Err() != nil {
    t.mu.Unlock()
    return aborted()
  }

  t.gen += 1
  gen := t.gen
  t.cancelAttempt = cancel
  t.state = initial
  t.mu.Unlock()

  fail := func(state State, err error) (DeviceHandle, error) {
    if !t.transition(gen, state) {
      return aborted()
    }

    return DeviceHandle{}, err
  }

  // a reconnection reports Reconnecting until it either succeeds or fails.
  phase := func(s State) State {
    if initial == StateReconnecting {
      return StateReconnecting
    }

    return s
  }

  if err := t.adapter.Check(); err != nil {
    return fail(StateFailed, err)
  }

  if !t.transition(gen, phase(StateDiscovering)) {
    return aborted()
  }

  candidate, err := t.adapter.Select(ctx, ble.HeartRateServiceUUID)

  if errors.Is(err, ErrSelectionCancelled) {
    log.Info().Err(err).Msg("radio: device selection cancelled")
    return fail(StateIdle, err)
  } else if err != nil {
    return fail(StateFailed, err)
  }

  if !t.transition(gen, phase(StateConnecting)) {
    return aborted()
  }

  link, err := t.adapter.Dial(ctx, candidate.Addr)

  if err != nil {
    if !errors.Is(err, ErrLinkFailed) {
      err = fmt.Errorf("%w: %v", ErrLinkFailed, err)
    }

    return fail(StateFailed, err)
  }

  handle := DeviceHandle{
    ID: candidate.Addr.String(),
    Label: candidate.Label,
  }

  if handle.Label == "" {
    handle.Label = link.Name()
  }

  if handle.Label == "" {
    handle.Label = handle.ID
  }

  char, err := findMeasurementCharacteristic(link)

  if err == nil {
    err = link.Subscribe(char, false, t.notificationHandler(gen, handle.Label))

    if err != nil {
      err = fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
      char = nil
    }
  }

  if err != nil {
    release(link, nil)
    return fail(StateFailed, err)
  }

  t.mu.Lock()

  if t.gen != gen {
    t.mu.Unlock()
    release(link, char)
    return aborted()
  }

  t.state = StateConnected
  t.cancelAttempt = nil
  t.device = &handle
  t.link = link
  t.char = char
  t.mu.Unlock()

  go t.watch(gen, link)

  log.Info().Stringer("Device", handle).Msg("radio: streaming heart rate notifications")

  return handle, nil
}

func findMeasurementCharacteristic(link Link) (*ble.Characteristic, error) {
  profile, err := link.DiscoverProfile(false)

  if err != nil {
    return nil, fmt.Errorf("%w: cannot discover profile for device: %v", ErrLinkFailed, err)
  }

  for _, svc := range profile.Services {
    if !svc.UUID.Equal(ble.HeartRateServiceUUID) {
      continue
    }

    for _, char := range svc.Characteristics {
      if !char.UUID.Equal(ble.HeartRateMeasurementUUID) {
        continue
      }

      if char.Property & ble.CharNotify == 0 {
        return nil, fmt.Errorf("%w: characteristic does not support notifications", ErrSubscriptionFailed)
      }

      return char, nil
    }

    return nil, ErrCharacteristicNotFound
  }

  return nil, ErrServiceNotFound
}

func (t *Transport) notificationHandler(gen uint64, label string) ble.NotificationHandler {
  return func(data []byte) {
    notificationsCounter.Inc()

    t.mu.Lock()
    current := t.gen == gen
    onSample := t.onSample
    t.mu.Unlock()

    if !current {
      return
    }

    sample, err := hr.DecodeMeasurement(data, label, t.clock.Now())

    if err != nil {
      reason := "malformed"

      if errors.Is(err, hr.ErrOutOfRange) {
        reason = "out_of_range"
      }

      droppedNotificationsCounter.WithLabelValues(reason).Inc()

      log.Debug().Err(err).Hex("Payload", data).Msg("radio: dropping notification")
      return
    }

    log.Trace().Stringer("Sample", sample).Msg("radio: received sample")

    if onSample != nil {
      onSample(sample)
    }
  }
}

// watch reports an unsolicited link loss for the connection established in gen.
func (t *Transport) watch(gen uint64, link Link) {
  <-link.Disconnected()

  t.mu.Lock()

  if t.gen != gen {
    // released on purpose
    t.mu.Unlock()
    return
  }

  t.gen += 1
  device := t.device
  t.state = StateDisconnected
  t.link, t.char, t.device = nil, nil, nil
  onDisconnect := t.onDisconnect
  t.mu.Unlock()

  log.Warn().Stringer("Device", device).Msg("radio: lost connection to heart rate sensor")

  if onDisconnect != nil {
    onDisconnect()
  }
}
