package hr

import (
  "encoding/binary"
  "encoding/json"
  "time"

  "github.com/pkg/errors"
)

var (
  ErrMalformed = errors.New("malformed payload")
  ErrOutOfRange = errors.New("value out of range")
  // ErrNoData is returned by DecodeIntraday when the day has no data point yet.
  ErrNoData = errors.New("no data point")
)

const (
  flagValueFormatUint16 = 0x01
  flagEnergyExpended = 0x08
)

func validate(bpm int) error {
  if bpm < MinBPM || bpm > MaxBPM {
    return errors.Wrapf(ErrOutOfRange, "%d bpm not within [%d, %d]", bpm, MinBPM, MaxBPM)
  }

  return nil
}

// DecodeMeasurement parses a Heart Rate Measurement notification (characteristic 0x2a37).
// The flags byte selects whether the value is a uint8 or a little-endian uint16.
func DecodeMeasurement(payload []byte, label string, at time.Time) (s Sample, err error) {
  if len(payload) < 2 {
    return s, errors.Wrapf(ErrMalformed, "measurement too short (%d bytes)", len(payload))
  }

  flags := payload[0]

  var bpm int

  if flags & flagValueFormatUint16 == flagValueFormatUint16 {
    if len(payload) < 3 {
      return s, errors.Wrapf(ErrMalformed, "16-bit measurement too short (%d bytes)", len(payload))
    }

    bpm = int(binary.LittleEndian.Uint16(payload[1:]))
  } else {
    bpm = int(payload[1])
  }

  if flags & flagEnergyExpended == flagEnergyExpended {
    valueEnd := 2

    if flags & flagValueFormatUint16 == flagValueFormatUint16 {
      valueEnd = 3
    }

    if len(payload) < valueEnd + 2 {
      return s, errors.Wrap(ErrMalformed, "energy expended flag set but field is missing")
    }
  }

  if err := validate(bpm); err != nil {
    return s, err
  }

  return Sample{
    Value: bpm,
    CapturedAt: at,
    Source: SourceRadio,
    IsRealTime: true,
    DeviceLabel: label,
  }, nil
}

type intradayResponse struct {
  Intraday *struct {
    Dataset []struct {
      Time string `json:"time"`
      Value *int `json:"value"`
    } `json:"dataset"`
  } `json:"activities-heart-intraday"`
}

// DecodeIntraday parses an intraday heart rate response and returns its most recent point.
// Point times are wall-clock times of `day` in day's location.
func DecodeIntraday(body []byte, day time.Time, label string) (s Sample, err error) {
  var resp intradayResponse

  if err := json.Unmarshal(body, &resp); err != nil {
    return s, errors.Wrapf(ErrMalformed, "cannot parse intraday response: %v", err)
  }

  if resp.Intraday == nil {
    return s, errors.Wrap(ErrMalformed, "intraday section missing from response")
  }

  if len(resp.Intraday.Dataset) == 0 {
    return s, ErrNoData
  }

  last := resp.Intraday.Dataset[len(resp.Intraday.Dataset) - 1]

  if last.Value == nil {
    return s, errors.Wrap(ErrMalformed, "data point has no value")
  }

  clock, err := time.Parse(time.TimeOnly, last.Time)

  if err != nil {
    return s, errors.Wrapf(ErrMalformed, "invalid data point time %q", last.Time)
  }

  if err := validate(*last.Value); err != nil {
    return s, err
  }

  y, m, d := day.Date()

  return Sample{
    Value: *last.Value,
    CapturedAt: time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), 0, day.Location()),
    Source: SourceCloud,
    IsRealTime: false,
    DeviceLabel: label,
  }, nil
}
