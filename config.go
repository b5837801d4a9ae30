package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robertof/go-hr-bridge/ble"
	"github.com/robertof/go-hr-bridge/connection"
	"github.com/robertof/go-hr-bridge/hr"
	"github.com/robertof/go-hr-bridge/transport/cloud"
	"github.com/robertof/go-hr-bridge/transport/radio"
)

const envPrefix = "HRB_"

type config struct {
  Debug bool `yaml:"debug"`
  Trace bool `yaml:"trace"`
  ConfigFile string `yaml:"-"`
  BindAddress string `yaml:"bind"`
  DiscoverDevices bool `yaml:"-"`
  Source string `yaml:"source"`
  Session string `yaml:"session"`
  TokenDB string `yaml:"tokenDb"`

  BluetoothDeviceId int `yaml:"bluetoothDevice"`
  BluetoothConnParams ble.ConnParams `yaml:"bluetoothConnParams"`
  DeviceAddrs []string `yaml:"deviceAddr"`
  SelectionTimeout time.Duration `yaml:"selectionTimeout"`
  MaxReconnectAttempts int `yaml:"maxReconnectAttempts"`
  Backoff time.Duration `yaml:"backoff"`
  DisableReconnect bool `yaml:"disableReconnect"`

  PollIntervalMs int `yaml:"pollIntervalMs"`
  CloudRequestsPerHour int `yaml:"cloudRequestsPerHour"`
  CloudClientId string `yaml:"cloudClientId"`
  CloudRedirectUri string `yaml:"cloudRedirectUri"`
  CloudScope string `yaml:"cloudScope"`
  CloudAuthUrl string `yaml:"cloudAuthUrl"`
  CloudApiUrl string `yaml:"cloudApiUrl"`
}

func defaultConfig() config {
  return config{
    BindAddress: "localhost:9103",
    Session: "default",
    TokenDB: "hr-bridge.db",
    BluetoothConnParams: ble.ConnParamsDefault,
    SelectionTimeout: radio.DefaultSelectionTimeout,
    MaxReconnectAttempts: radio.DefaultMaxReconnectAttempts,
    Backoff: connection.DefaultBackoffFactor,
    PollIntervalMs: int(cloud.DefaultPollInterval / time.Millisecond),
    CloudRequestsPerHour: cloud.DefaultRequestsPerHour,
    CloudScope: cloud.DefaultScope,
    CloudAuthUrl: cloud.DefaultAuthURL,
    CloudApiUrl: cloud.DefaultAPIURL,
  }
}

func (c config) PollInterval() time.Duration {
  return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c config) InitialSource() hr.Source {
  // validated by parseConfig
  src, _ := hr.ParseSource(c.Source)
  return src
}

func (c config) HardwareAddrs() []net.HardwareAddr {
  out := make([]net.HardwareAddr, 0, len(c.DeviceAddrs))

  for _, a := range c.DeviceAddrs {
    // validated by parseConfig
    if mac, err := net.ParseMAC(a); err == nil {
      out = append(out, mac)
    }
  }

  return out
}

type addrList struct {
  list *[]string
}

func (a addrList) String() string {
  if a.list == nil {
    return ""
  }

  return strings.Join(*a.list, ",")
}

func (a addrList) Set(v string) error {
  *a.list = append(*a.list, v)
  return nil
}

func newFlagSet(cfg *config, output io.Writer) *flag.FlagSet {
  fs := flag.NewFlagSet("hr-bridge", flag.ContinueOnError)
  fs.SetOutput(output)

  fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Optional YAML configuration file")
  fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Where the HTTP server will bind to")
  fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover nearby heart rate sensors and quit")
  fs.StringVar(&cfg.Source, "source", cfg.Source, "Source to connect on start (one of 'radio' or 'cloud')")
  fs.StringVar(&cfg.Session, "session", cfg.Session, "Token storage session. Empty means a new session on every start")
  fs.StringVar(&cfg.TokenDB, "token-db", cfg.TokenDB, "SQLite database holding the cloud token. Empty keeps it in memory")
  fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", cfg.BluetoothDeviceId, "Bluetooth (HCI) device ID")
  fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  fs.Var(addrList{&cfg.DeviceAddrs}, "device-addr", "Only accept the sensor with this address. Can be repeated")
  fs.DurationVar(&cfg.SelectionTimeout, "selection-timeout", cfg.SelectionTimeout, "How long to scan for a heart rate sensor")
  fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", cfg.MaxReconnectAttempts, "Max number of reconnection attempts per session")
  fs.DurationVar(&cfg.Backoff, "backoff", cfg.Backoff, "Exponential backoff factor for reconnection attempts")
  fs.BoolVar(&cfg.DisableReconnect, "no-reconnect", cfg.DisableReconnect, "Do not reconnect automatically after losing the sensor")
  fs.IntVar(&cfg.PollIntervalMs, "poll-interval-ms", cfg.PollIntervalMs, "Cloud polling interval in milliseconds")
  fs.IntVar(&cfg.CloudRequestsPerHour, "cloud-requests-per-hour", cfg.CloudRequestsPerHour, "Client-side cap on cloud API requests per hour")
  fs.StringVar(&cfg.CloudClientId, "cloud-client-id", cfg.CloudClientId, "OAuth client ID of the cloud application")
  fs.StringVar(&cfg.CloudRedirectUri, "cloud-redirect-uri", cfg.CloudRedirectUri, "OAuth redirect URI, usually http://<bind>/callback")
  fs.StringVar(&cfg.CloudScope, "cloud-scope", cfg.CloudScope, "OAuth scope requested from the cloud service")
  fs.StringVar(&cfg.CloudAuthUrl, "cloud-auth-url", cfg.CloudAuthUrl, "OAuth authorization endpoint")
  fs.StringVar(&cfg.CloudApiUrl, "cloud-api-url", cfg.CloudApiUrl, "Cloud API base URL")
  fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logs")
  fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "Enable trace logs")

  return fs
}

// envBindings maps every supported environment variable (without prefix) to a setter.
func (c *config) envBindings() map[string]func(string) error {
  str := func(dst *string) func(string) error {
    return func(v string) error { *dst = v; return nil }
  }

  num := func(dst *int) func(string) error {
    return func(v string) (err error) { *dst, err = strconv.Atoi(v); return }
  }

  dur := func(dst *time.Duration) func(string) error {
    return func(v string) (err error) { *dst, err = time.ParseDuration(v); return }
  }

  boolean := func(dst *bool) func(string) error {
    return func(v string) (err error) { *dst, err = strconv.ParseBool(v); return }
  }

  return map[string]func(string) error{
    "BIND": str(&c.BindAddress),
    "SOURCE": str(&c.Source),
    "SESSION": str(&c.Session),
    "TOKEN_DB": str(&c.TokenDB),
    "BLUETOOTH_DEVICE": num(&c.BluetoothDeviceId),
    "BLUETOOTH_CONNECTION_PARAMS": c.BluetoothConnParams.Set,
    "DEVICE_ADDR": func(v string) error {
      c.DeviceAddrs = strings.Split(v, ",")
      return nil
    },
    "SELECTION_TIMEOUT": dur(&c.SelectionTimeout),
    "MAX_RECONNECT_ATTEMPTS": num(&c.MaxReconnectAttempts),
    "BACKOFF": dur(&c.Backoff),
    "NO_RECONNECT": boolean(&c.DisableReconnect),
    "POLL_INTERVAL_MS": num(&c.PollIntervalMs),
    "CLOUD_REQUESTS_PER_HOUR": num(&c.CloudRequestsPerHour),
    "CLOUD_CLIENT_ID": str(&c.CloudClientId),
    "CLOUD_REDIRECT_URI": str(&c.CloudRedirectUri),
    "CLOUD_SCOPE": str(&c.CloudScope),
    "CLOUD_AUTH_URL": str(&c.CloudAuthUrl),
    "CLOUD_API_URL": str(&c.CloudApiUrl),
  }
}

func (c *config) loadFile(path string) error {
  data, err := os.ReadFile(path)

  if err != nil {
    return fmt.Errorf("failed to read config file: %w", err)
  }

  if err := yaml.Unmarshal(data, c); err != nil {
    return fmt.Errorf("failed to parse config file %s: %w", path, err)
  }

  return nil
}

func (c *config) validate() error {
  if err := c.BluetoothConnParams.Set(string(c.BluetoothConnParams)); err != nil {
    return err
  }

  if _, err := hr.ParseSource(c.Source); err != nil {
    return err
  }

  for _, a := range c.DeviceAddrs {
    if _, err := net.ParseMAC(a); err != nil {
      return fmt.Errorf("invalid device address %q: %w", a, err)
    }
  }

  if c.PollIntervalMs <= 0 {
    return fmt.Errorf("poll interval must be positive, got %dms", c.PollIntervalMs)
  }

  if c.MaxReconnectAttempts <= 0 {
    return fmt.Errorf("max reconnect attempts must be positive, got %d", c.MaxReconnectAttempts)
  }

  if c.CloudRequestsPerHour <= 0 {
    return fmt.Errorf("cloud requests per hour must be positive, got %d", c.CloudRequestsPerHour)
  }

  return nil
}

// warnings lists settings that are valid but work against each other.
func (c config) warnings() []string {
  var out []string

  if min := cloud.MinPollInterval(c.CloudRequestsPerHour); c.PollInterval() < min {
    out = append(out, fmt.Sprintf(
      "poll interval %v is shorter than the %v allowed by %d cloud requests per hour; most polls will be skipped",
      c.PollInterval(), min, c.CloudRequestsPerHour,
    ))
  }

  return out
}

// parseConfig layers defaults, the YAML file, HRB_* environment variables and flags, in
// increasing order of precedence.
func parseConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
  // first pass only looks for -config
  first := defaultConfig()
  first.ConfigFile = getenv(envPrefix + "CONFIG")

  // errors are reported by the second pass
  _ = newFlagSet(&first, io.Discard).Parse(args)

  cfg := defaultConfig()
  cfg.ConfigFile = first.ConfigFile

  if cfg.ConfigFile != "" {
    if err := cfg.loadFile(cfg.ConfigFile); err != nil {
      return cfg, err
    }
  }

  for name, set := range cfg.envBindings() {
    if v := getenv(envPrefix + name); v != "" {
      if err := set(v); err != nil {
        return cfg, fmt.Errorf("invalid value for %s%s: %w", envPrefix, name, err)
      }
    }
  }

  // repeated -device-addr flags replace lower layers instead of appending to them
  fileAddrs := cfg.DeviceAddrs
  cfg.DeviceAddrs = nil

  if err := newFlagSet(&cfg, output).Parse(args); err != nil {
    return cfg, err
  }

  if cfg.DeviceAddrs == nil {
    cfg.DeviceAddrs = fileAddrs
  }

  return cfg, cfg.validate()
}

func ParseArgs() config {
  cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)

  if errors.Is(err, flag.ErrHelp) {
    os.Exit(0)
  }

  if err != nil {
    fmt.Fprintln(os.Stderr, "Error:", err)
    os.Exit(1)
  }

  return cfg
}
