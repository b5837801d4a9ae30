package hr

import (
  "fmt"
  "strconv"
  "time"
)

const (
  MinBPM = 30
  MaxBPM = 250
)

type Source uint8

const (
  SourceNone Source = iota
  SourceRadio
  SourceCloud
)

func (s Source) String() string {
  switch s {
  case SourceNone:
    return "none"
  case SourceRadio:
    return "radio"
  case SourceCloud:
    return "cloud"
  default:
    panic("unknown source: " + strconv.Itoa(int(s)))
  }
}

func (s Source) MarshalText() ([]byte, error) {
  return []byte(s.String()), nil
}

func ParseSource(v string) (Source, error) {
  switch v {
  case "", "none":
    return SourceNone, nil
  case "radio":
    return SourceRadio, nil
  case "cloud":
    return SourceCloud, nil
  }

  return SourceNone, fmt.Errorf("unknown source %q (must be one of radio, cloud)", v)
}

// Sample is one validated heart rate reading. Only the codec creates them.
type Sample struct {
  Value int
  CapturedAt time.Time
  Source Source
  IsRealTime bool
  DeviceLabel string
}

func (s Sample) String() string {
  return fmt.Sprintf("Sample[Value=%d,Source=%v,RealTime=%v,Device=%q,CapturedAt=%v]",
    s.Value, s.Source, s.IsRealTime, s.DeviceLabel, s.CapturedAt.Format(time.RFC3339))
}
