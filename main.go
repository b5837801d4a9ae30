package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/robertof/go-hr-bridge/ble"
	"github.com/robertof/go-hr-bridge/connection"
	"github.com/robertof/go-hr-bridge/event"
	"github.com/robertof/go-hr-bridge/hr"
	"github.com/robertof/go-hr-bridge/metrics"
	"github.com/robertof/go-hr-bridge/token"
	"github.com/robertof/go-hr-bridge/transport/cloud"
	"github.com/robertof/go-hr-bridge/transport/radio"
	"github.com/robertof/go-hr-bridge/utils"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Strs("DeviceAddrs", cfg.DeviceAddrs).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Dur("PollInterval", cfg.PollInterval()).
    Bool("CloudConfigured", cfg.CloudClientId != "").
    Msg("Starting with the specified configuration")

  for _, w := range cfg.warnings() {
    log.Warn().Msg(w)
  }

  registry := prometheus.NewRegistry()
  registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
  ble.RegisterMetrics(registry)
  radio.RegisterMetrics(registry)
  cloud.RegisterMetrics(registry)
  connection.RegisterMetrics(registry)

  store, closeStore := initTokenStore(cfg)
  defer closeStore()

  adapter := &radio.HCIAdapter{
    DeviceID: cfg.BluetoothDeviceId,
    ConnParams: cfg.BluetoothConnParams,
    Addresses: cfg.HardwareAddrs(),
    SelectionTimeout: cfg.SelectionTimeout,
  }
  defer adapter.Close()

  radioTransport := radio.New(adapter, radio.Options{MaxReconnectAttempts: cfg.MaxReconnectAttempts})

  cloudTransport := cloud.New(
    cloud.Config{
      ClientID: cfg.CloudClientId,
      RedirectURI: cfg.CloudRedirectUri,
      Scope: cfg.CloudScope,
      AuthURL: cfg.CloudAuthUrl,
      APIURL: cfg.CloudApiUrl,
      RequestsPerHour: cfg.CloudRequestsPerHour,
    },
    store,
    cloud.Options{
      // for headless setups; browsers are redirected by the /authorize handler.
      UserAgent: cloud.UserAgentFunc(func(u *url.URL) error {
        log.Info().Str("URL", u.String()).Msg("Open this URL to authorize the cloud source")
        return nil
      }),
    },
  )

  manager := connection.New(radioTransport, cloudTransport, connection.Options{
    PollInterval: cfg.PollInterval(),
    DisableReconnect: cfg.DisableReconnect,
    BackoffFactor: cfg.Backoff,
  })
  defer manager.Close()

  latest := metrics.NewLatest(func() hr.Source { return manager.Status().ActiveSource })
  metrics.RegisterCollector(latest, registry)

  events := newHub()

  manager.OnData(func(ev event.Event) {
    latest.Observe(ev)
    events.Publish(ev)

    switch ev := ev.(type) {
    case event.SampleEvent:
      log.Debug().Stringer("Sample", ev.Sample).Msg("Heart rate sample")
    case event.ErrorEvent:
      log.Warn().Err(ev.Err).Str("Message", ev.Message).Msg("Heart rate source error")
    case event.DisconnectedEvent:
      log.Warn().Stringer("Source", ev.Source).Str("Message", ev.Message).Msg("Heart rate source disconnected")
    }
  })

  ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  defer stop()

  srv := &http.Server{
    Addr: cfg.BindAddress,
    Handler: newServer(manager, events, registry),
    ReadHeaderTimeout: 10 * time.Second,
  }

  eg, ctx := errgroup.WithContext(ctx)

  eg.Go(func() error {
    log.Info().
        Str("ListenAddress", cfg.BindAddress).
        Msg("Starting HTTP server")

    if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
      return err
    }

    return nil
  })

  eg.Go(func() error {
    <-ctx.Done()

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancel()

    return srv.Shutdown(shutdownCtx)
  })

  if src := cfg.InitialSource(); src != hr.SourceNone {
    eg.Go(func() error {
      if err := manager.Connect(ctx, src); err != nil {
        log.Error().Err(err).Stringer("Source", src).Msg("Failed to connect initial source")
      }

      return nil
    })
  }

  if err := eg.Wait(); err != nil {
    log.Fatal().Err(err).Msg("Unable to bind on requested address")
  }

  log.Info().Msg("Shutting down")
}

func initTokenStore(cfg config) (*token.Store, func()) {
  session := cfg.Session

  if session == "" {
    session = token.NewSessionID(utils.SystemClock)
    log.Info().Str("Session", session).Msg("Using an ephemeral token session")
  }

  if cfg.TokenDB == "" {
    return token.NewStore(token.NewMemoryKV(), session, utils.SystemClock), func() {}
  }

  kv, err := token.OpenSQLiteKV(cfg.TokenDB, "hr-bridge")

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to open token database")
  }

  return token.NewStore(kv, session, utils.SystemClock), func() {
    if err := kv.Close(); err != nil {
      log.Error().Err(err).Msg("Failed to close token database")
    }
  }
}
