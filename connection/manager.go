// Package connection exposes the heart rate sources behind one lifecycle API and one
// event stream. At most one source is active at a time.
package connection

import (
  "context"
  "errors"
  "fmt"
  "net/url"
  "sync"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-hr-bridge/event"
  "github.com/robertof/go-hr-bridge/hr"
  "github.com/robertof/go-hr-bridge/transport/cloud"
  "github.com/robertof/go-hr-bridge/transport/radio"
  "github.com/robertof/go-hr-bridge/utils"
  "github.com/rs/zerolog/log"
)

const (
  DefaultBackoffFactor = 500 * time.Millisecond
  eventQueueSize = 64
)

var (
  eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "hrbridge_events_total",
  }, []string{"type"})
  droppedEventsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "hrbridge_stale_events_dropped_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(eventsCounter, droppedEventsCounter)
}

// RadioTransport is implemented by *radio.Transport.
type RadioTransport interface {
  OnSample(f func(hr.Sample))
  OnDisconnect(f func())
  Connect(ctx context.Context) (radio.DeviceHandle, error)
  Reconnect(ctx context.Context) (radio.DeviceHandle, error)
  Disconnect()
  State() radio.State
  Device() (radio.DeviceHandle, bool)
}

// CloudTransport is implemented by *cloud.Transport.
type CloudTransport interface {
  OnSample(f func(hr.Sample))
  OnUnauthorized(f func())
  OnStale(f func())
  Configured() bool
  IsAuthorized() bool
  BeginAuthorization() (*url.URL, error)
  CompleteAuthorization(fragment string) bool
  Poll(ctx context.Context) (hr.Sample, error)
  StartPolling(interval time.Duration)
  StopPolling() bool
  Polling() bool
}

type Options struct {
  PollInterval time.Duration
  // DisableReconnect turns off automatic radio reconnection after a link loss.
  DisableReconnect bool
  // BackoffFactor is the wait before the first reconnection attempt; it doubles on
  // every further attempt.
  BackoffFactor time.Duration
  // Clock times the reconnection backoff; defaults to the wall clock.
  Clock utils.Clock
}

type envelope struct {
  epoch uint64
  ev event.Event
}

type Manager struct {
  radio RadioTransport
  cloud CloudTransport
  opts Options

  mu sync.Mutex
  active hr.Source
  // bumped on every teardown; queued events from an older epoch are discarded.
  epoch uint64
  session context.Context
  cancelSession context.CancelFunc
  consumer event.Sink

  queue chan envelope
  closed chan struct{}
  closeOnce sync.Once
  done chan struct{}
}

// New builds a manager over the given transports; either may be nil if the host does not
// provide it. Callbacks of both transports are taken over by the manager.
func New(r RadioTransport, c CloudTransport, opts Options) *Manager {
  if opts.PollInterval <= 0 {
    opts.PollInterval = cloud.DefaultPollInterval
  }

  if opts.BackoffFactor <= 0 {
    opts.BackoffFactor = DefaultBackoffFactor
  }

  if opts.Clock == nil {
    opts.Clock = utils.SystemClock
  }

  m := &Manager{
    radio: r,
    cloud: c,
    opts: opts,
    queue: make(chan envelope, eventQueueSize),
    closed: make(chan struct{}),
    done: make(chan struct{}),
  }

  if r != nil {
    r.OnSample(func(s hr.Sample) { m.forward(hr.SourceRadio, event.SampleEvent{Sample: s}) })
    r.OnDisconnect(m.radioLost)
  }

  if c != nil {
    c.OnSample(func(s hr.Sample) { m.forward(hr.SourceCloud, event.SampleEvent{Sample: s}) })
    c.OnUnauthorized(m.cloudUnauthorized)
    c.OnStale(func() {
      m.forward(hr.SourceCloud, event.ErrorEvent{Message: cloud.Describe(cloud.ErrEmpty), Err: cloud.ErrEmpty})
    })
  }

  go m.dispatch()

  return m
}

// OnData sets the single consumer of the event stream, replacing any previous one. The
// consumer runs on the dispatcher goroutine and must not call Close.
func (m *Manager) OnData(f event.Sink) {
  m.mu.Lock()
  defer m.mu.Unlock()

  m.consumer = f
}

// Connect activates the source identified by kind, disconnecting the active one first.
// Only setup errors are returned; connection failures are reported as events.
func (m *Manager) Connect(ctx context.Context, kind hr.Source) error {
  select {
  case <-m.closed:
    return ErrClosed
  default:
  }

  switch kind {
  case hr.SourceRadio:
    if m.radio == nil {
      return fmt.Errorf("%w: no bluetooth adapter available", ErrMissingConfiguration)
    }
  case hr.SourceCloud:
    if m.cloud == nil || !m.cloud.Configured() {
      return fmt.Errorf("%w: cloud client id and redirect uri are required", ErrMissingConfiguration)
    }
  default:
    return fmt.Errorf("%w: %v", ErrUnknownSource, kind)
  }

  m.teardown()

  m.mu.Lock()
  m.active = kind
  epoch := m.epoch
  sessionCtx, cancel := context.WithCancel(context.Background())
  m.session, m.cancelSession = sessionCtx, cancel
  m.mu.Unlock()

  log.Info().Stringer("Source", kind).Msg("connection: connecting")

  if kind == hr.SourceRadio {
    m.connectRadio(ctx, epoch)
  } else {
    m.connectCloud(ctx, sessionCtx, epoch)
  }

  return nil
}

func (m *Manager) connectRadio(ctx context.Context, epoch uint64) {
  dev, err := m.radio.Connect(ctx)

  if err == nil {
    log.Info().Stringer("Device", dev).Msg("connection: radio source active")
    return
  }

  if errors.Is(err, radio.ErrSelectionCancelled) {
    log.Info().Err(err).Msg("connection: radio connection aborted")
    m.deactivate(epoch)
    return
  }

  log.Warn().Err(err).Msg("connection: radio connection failed")

  m.emit(epoch, event.ErrorEvent{Message: radio.Describe(err), Err: err})
  m.deactivate(epoch)
}

func (m *Manager) connectCloud(ctx, sessionCtx context.Context, epoch uint64) {
  if !m.cloud.IsAuthorized() {
    log.Warn().Msg("connection: cloud source requires authorization")

    m.emit(epoch, event.ErrorEvent{
      Message: "Cloud authorization required. Please sign in first.",
      Err: ErrAuthorizationRequired,
    })
    m.deactivate(epoch)

    return
  }

  pollCtx, cancel := mergeCancel(ctx, sessionCtx)
  _, err := m.cloud.Poll(pollCtx)
  cancel()

  if errors.Is(err, cloud.ErrUnauthorized) {
    m.cloudUnauthorized()
    return
  }

  m.mu.Lock()
  defer m.mu.Unlock()

  // a teardown in the meantime owns the cloud transport now.
  if m.epoch != epoch {
    return
  }

  m.cloud.StartPolling(m.opts.PollInterval)

  log.Info().Dur("Interval", m.opts.PollInterval).Msg("connection: cloud source active")
}

// Disconnect stops the active source, if any. No event is emitted.
func (m *Manager) Disconnect() {
  if prev := m.teardown(); prev != hr.SourceNone {
    log.Info().Stringer("Source", prev).Msg("connection: disconnected")
  }
}

func (m *Manager) BeginAuthorization() (*url.URL, error) {
  if m.cloud == nil {
    return nil, fmt.Errorf("%w: cloud source not available", ErrMissingConfiguration)
  }

  return m.cloud.BeginAuthorization()
}

func (m *Manager) CompleteAuthorization(fragment string) bool {
  if m.cloud == nil {
    return false
  }

  return m.cloud.CompleteAuthorization(fragment)
}

// Close disconnects and stops event delivery. Events still queued are discarded.
func (m *Manager) Close() {
  m.teardown()

  m.closeOnce.Do(func() {
    close(m.closed)
  })

  <-m.done
}

// teardown ends the current session and returns the source that was active.
func (m *Manager) teardown() hr.Source {
  m.mu.Lock()
  prev := m.active
  cancel := m.cancelSession
  m.active = hr.SourceNone
  m.session, m.cancelSession = nil, nil
  m.epoch += 1
  m.mu.Unlock()

  if cancel != nil {
    cancel()
  }

  if m.radio != nil {
    m.radio.Disconnect()
  }

  if m.cloud != nil {
    m.cloud.StopPolling()
  }

  return prev
}

// deactivate clears the active source if the session identified by epoch is still current.
// Events already queued for it are still delivered.
func (m *Manager) deactivate(epoch uint64) {
  m.mu.Lock()
  defer m.mu.Unlock()

  if m.epoch == epoch {
    m.active = hr.SourceNone
  }
}

// forward queues an event produced by a transport, provided its source is the active one.
func (m *Manager) forward(src hr.Source, ev event.Event) {
  m.mu.Lock()
  active, epoch := m.active, m.epoch
  m.mu.Unlock()

  if active != src {
    log.Trace().Stringer("Source", src).Msg("connection: ignoring event from inactive source")
    droppedEventsCounter.Inc()
    return
  }

  m.emit(epoch, ev)
}

func (m *Manager) emit(epoch uint64, ev event.Event) {
  select {
  case m.queue <- envelope{epoch, ev}:
  case <-m.closed:
  }
}

func (m *Manager) dispatch() {
  defer close(m.done)

  for {
    select {
    case <-m.closed:
      return
    case env := <-m.queue:
      m.deliver(env)
    }
  }
}

func (m *Manager) deliver(env envelope) {
  m.mu.Lock()
  current, consumer := env.epoch == m.epoch, m.consumer
  m.mu.Unlock()

  if !current {
    droppedEventsCounter.Inc()
    return
  }

  eventsCounter.WithLabelValues(string(env.ev.Type())).Inc()

  if consumer != nil {
    consumer(env.ev)
  }
}

func (m *Manager) cloudUnauthorized() {
  m.mu.Lock()

  if m.active != hr.SourceCloud {
    m.mu.Unlock()
    return
  }

  epoch := m.epoch
  m.active = hr.SourceNone
  m.mu.Unlock()

  log.Warn().Msg("connection: cloud authorization expired")

  m.emit(epoch, event.DisconnectedEvent{Source: hr.SourceCloud, Message: "authorization expired"})
}

func (m *Manager) radioLost() {
  m.mu.Lock()

  if m.active != hr.SourceRadio {
    m.mu.Unlock()
    return
  }

  epoch := m.epoch
  ctx := m.session
  m.mu.Unlock()

  log.Warn().Msg("connection: lost radio link")

  m.emit(epoch, event.DisconnectedEvent{Source: hr.SourceRadio, Message: "heart rate sensor disconnected"})

  if m.opts.DisableReconnect {
    m.deactivate(epoch)
    return
  }

  go m.reconnect(ctx, epoch)
}
