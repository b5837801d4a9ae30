// Package cloud polls the provider's intraday heart rate API on behalf of a user who
// authorized the bridge through the OAuth implicit grant.
package cloud

import (
  "context"
  "errors"
  "fmt"
  "net/http"
  "sync"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-hr-bridge/hr"
  "github.com/robertof/go-hr-bridge/token"
  "github.com/robertof/go-hr-bridge/utils"
  "github.com/rs/zerolog/log"
  "github.com/sony/gobreaker/v2"
  "golang.org/x/sync/singleflight"
  "golang.org/x/time/rate"
)

const (
  DefaultAuthURL = "https://www.fitbit.com/oauth2/authorize"
  DefaultAPIURL = "https://api.fitbit.com"
  DefaultScope = "heartrate"
  DefaultDetailLevel = "1sec"
  DefaultTokenLifetime = 24 * time.Hour
  DefaultPollInterval = 15 * time.Second
  DefaultDeviceLabel = "Fitbit"
  DefaultRequestsPerHour = 360
  DefaultStaleAfter = 20
)

var pollsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
  Name: "hrbridge_cloud_polls_total",
}, []string{"result"})

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(pollsCounter)
}

type Config struct {
  ClientID string
  RedirectURI string
  Scope string
  AuthURL string
  APIURL string
  DetailLevel string
  // TokenLifetime is the requested token lifetime, also used when the provider does not
  // echo one back.
  TokenLifetime time.Duration
  DeviceLabel string
  RequestsPerHour int
  // StaleAfter is the number of consecutive empty polls after which OnStale fires.
  StaleAfter int
}

func (c *Config) applyDefaults() {
  if c.Scope == "" {
    c.Scope = DefaultScope
  }

  if c.AuthURL == "" {
    c.AuthURL = DefaultAuthURL
  }

  if c.APIURL == "" {
    c.APIURL = DefaultAPIURL
  }

  if c.DetailLevel == "" {
    c.DetailLevel = DefaultDetailLevel
  }

  if c.TokenLifetime <= 0 {
    c.TokenLifetime = DefaultTokenLifetime
  }

  if c.DeviceLabel == "" {
    c.DeviceLabel = DefaultDeviceLabel
  }

  if c.RequestsPerHour <= 0 {
    c.RequestsPerHour = DefaultRequestsPerHour
  }

  if c.StaleAfter <= 0 {
    c.StaleAfter = DefaultStaleAfter
  }
}

// MinPollInterval is the shortest polling interval that stays within requestsPerHour. The
// limiter skips polls scheduled more often than this once its burst is spent.
func MinPollInterval(requestsPerHour int) time.Duration {
  if requestsPerHour <= 0 {
    requestsPerHour = DefaultRequestsPerHour
  }

  return time.Hour / time.Duration(requestsPerHour)
}

type Options struct {
  Clock utils.Clock
  HTTPClient *http.Client
  UserAgent UserAgent
  BreakerFailures uint32
  BreakerOpenFor time.Duration
}

type Transport struct {
  cfg Config
  store *token.Store
  clock utils.Clock
  client *http.Client
  userAgent UserAgent
  breaker *gobreaker.CircuitBreaker[[]byte]
  limiter *rate.Limiter
  inflight singleflight.Group

  mu sync.Mutex
  pendingState string
  ticker utils.Ticker
  stopPolling context.CancelFunc
  retryAfter time.Time
  emptyPolls int

  onSample func(hr.Sample)
  onUnauthorized func()
  onStale func()
}

func New(cfg Config, store *token.Store, opts Options) *Transport {
  cfg.applyDefaults()

  if opts.Clock == nil {
    opts.Clock = utils.SystemClock
  }

  if opts.HTTPClient == nil {
    opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
  }

  if opts.BreakerFailures == 0 {
    opts.BreakerFailures = 5
  }

  if opts.BreakerOpenFor <= 0 {
    opts.BreakerOpenFor = time.Minute
  }

  perRequest := MinPollInterval(cfg.RequestsPerHour)

  return &Transport{
    cfg: cfg,
    store: store,
    clock: opts.Clock,
    client: opts.HTTPClient,
    userAgent: opts.UserAgent,
    breaker: newBreaker(breakerSettings{failures: opts.BreakerFailures, openFor: opts.BreakerOpenFor}),
    limiter: rate.NewLimiter(rate.Every(perRequest), 5),
  }
}

// Configured reports whether an authorization can be started at all.
func (t *Transport) Configured() bool {
  return t.cfg.ClientID != "" && t.cfg.RedirectURI != ""
}

func (t *Transport) OnSample(f func(hr.Sample)) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.onSample = f
}

// OnUnauthorized registers the callback invoked when the provider rejects the token.
func (t *Transport) OnUnauthorized(f func()) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.onUnauthorized = f
}

// OnStale registers the callback invoked once when the API returned no data point for
// StaleAfter consecutive polls.
func (t *Transport) OnStale(f func()) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.onStale = f
}

// Poll fetches the most recent intraday data point. Concurrent calls share one request.
func (t *Transport) Poll(ctx context.Context) (hr.Sample, error) {
  v, err, shared := t.inflight.Do("poll", func() (interface{}, error) {
    s, err := t.poll(ctx)
    t.record(s, err)
    return s, err
  })

  if shared {
    log.Trace().Msg("cloud: joined in-flight poll")
  }

  if err != nil {
    return hr.Sample{}, err
  }

  return v.(hr.Sample), nil
}

func (t *Transport) poll(ctx context.Context) (hr.Sample, error) {
  tok, ok := t.store.Current()

  if !ok {
    t.unauthorized(false)
    return hr.Sample{}, fmt.Errorf("%w: no valid token", ErrUnauthorized)
  }

  now := t.clock.Now()

  t.mu.Lock()
  retryAfter := t.retryAfter
  t.mu.Unlock()

  if now.Before(retryAfter) {
    return hr.Sample{}, fmt.Errorf("%w: server asked to wait until %v", ErrRateLimited, retryAfter)
  }

  if !t.limiter.AllowN(now, 1) {
    return hr.Sample{}, fmt.Errorf("%w: local request quota exhausted", ErrRateLimited)
  }

  body, err := t.breaker.Execute(func() ([]byte, error) {
    return t.fetch(ctx, tok)
  })

  if err != nil {
    return hr.Sample{}, t.classify(err, now)
  }

  sample, err := hr.DecodeIntraday(body, t.clock.Now(), t.cfg.DeviceLabel)

  if errors.Is(err, hr.ErrNoData) {
    t.empty()
    return hr.Sample{}, ErrEmpty
  }

  if err != nil {
    return hr.Sample{}, err
  }

  t.mu.Lock()
  t.emptyPolls = 0
  cb := t.onSample
  t.mu.Unlock()

  if cb != nil {
    cb(sample)
  }

  return sample, nil
}

func (t *Transport) classify(err error, now time.Time) error {
  var httpErr *HTTPError

  if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
    return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
  }

  if !errors.As(err, &httpErr) {
    return err
  }

  switch httpErr.Status {
  case http.StatusUnauthorized:
    if err := t.store.Clear(); err != nil {
      log.Error().Err(err).Msg("cloud: failed to clear rejected token")
    }

    t.unauthorized(true)

    return fmt.Errorf("%w: %v", ErrUnauthorized, httpErr)
  case http.StatusTooManyRequests:
    if httpErr.RetryAfter > 0 {
      t.mu.Lock()
      t.retryAfter = now.Add(httpErr.RetryAfter)
      t.mu.Unlock()
    }

    return fmt.Errorf("%w: %w", ErrRateLimited, httpErr)
  }

  return httpErr
}

func (t *Transport) empty() {
  t.mu.Lock()
  t.emptyPolls++
  fire := t.emptyPolls == t.cfg.StaleAfter
  cb := t.onStale
  t.mu.Unlock()

  if fire && cb != nil {
    cb()
  }
}

// unauthorized stops polling and notifies the owner when a token was rejected or a polling
// session ended because of it.
func (t *Transport) unauthorized(rejected bool) {
  wasPolling := t.StopPolling()

  t.mu.Lock()
  cb := t.onUnauthorized
  t.mu.Unlock()

  if (rejected || wasPolling) && cb != nil {
    cb()
  }
}

func (t *Transport) record(s hr.Sample, err error) {
  var httpErr *HTTPError
  result := "success"

  switch {
  case err == nil:
    log.Debug().Stringer("Sample", s).Msg("cloud: polled sample")
  case errors.Is(err, ErrEmpty):
    result = "empty"
    log.Debug().Msg("cloud: no data point yet")
  case errors.Is(err, ErrUnauthorized):
    result = "unauthorized"
    log.Warn().Err(err).Msg("cloud: authorization rejected, polling stopped")
  case errors.Is(err, ErrRateLimited):
    result = "rate_limited"
    log.Info().Err(err).Msg("cloud: skipping poll")
  case errors.Is(err, ErrCircuitOpen):
    result = "circuit_open"
    log.Info().Err(err).Msg("cloud: skipping poll")
  case errors.Is(err, hr.ErrMalformed) || errors.Is(err, hr.ErrOutOfRange):
    result = "dropped"
    log.Debug().Err(err).Msg("cloud: dropping unusable response")
  case errors.As(err, &httpErr):
    result = "http_error"
    log.Warn().Err(err).Msg("cloud: poll failed, will retry on next tick")
  default:
    result = "error"
    log.Warn().Err(err).Msg("cloud: poll failed, will retry on next tick")
  }

  pollsCounter.WithLabelValues(result).Inc()
}

// StartPolling polls every interval until StopPolling. A second call while polling is a
// no-op.
func (t *Transport) StartPolling(interval time.Duration) {
  if interval <= 0 {
    interval = DefaultPollInterval
  }

  t.mu.Lock()
  defer t.mu.Unlock()

  if t.ticker != nil {
    log.Debug().Msg("cloud: already polling")
    return
  }

  ctx, cancel := context.WithCancel(context.Background())
  t.ticker = t.clock.NewTicker(interval)
  t.stopPolling = cancel

  log.Info().Dur("Interval", interval).Msg("cloud: polling started")

  go t.pollLoop(ctx, t.ticker)
}

func (t *Transport) pollLoop(ctx context.Context, ticker utils.Ticker) {
  for {
    select {
    case <-ctx.Done():
      return
    case <-ticker.C():
    }

    t.Poll(ctx)
  }
}

// StopPolling stops the timer and reports whether it was running. Safe to call anytime.
func (t *Transport) StopPolling() bool {
  t.mu.Lock()
  ticker, cancel := t.ticker, t.stopPolling
  t.ticker, t.stopPolling = nil, nil
  t.mu.Unlock()

  if ticker == nil {
    return false
  }

  ticker.Stop()
  cancel()

  log.Info().Msg("cloud: polling stopped")

  return true
}

func (t *Transport) Polling() bool {
  t.mu.Lock()
  defer t.mu.Unlock()

  return t.ticker != nil
}
