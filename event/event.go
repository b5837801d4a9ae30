// Package event defines the single outbound stream shared by every transport.
package event

import (
  "encoding/json"
  "time"

  "github.com/robertof/go-hr-bridge/hr"
)

type Type string

const (
  TypeSample Type = "sample"
  TypeError Type = "error"
  TypeDisconnected Type = "disconnected"
)

// Event is one of SampleEvent, ErrorEvent or DisconnectedEvent.
type Event interface {
  Type() Type
  event()
}

// Sink receives events. Implementations must not block for long: transports call it
// from their notification and polling goroutines.
type Sink func(Event)

type SampleEvent struct {
  hr.Sample
}

type ErrorEvent struct {
  Message string
  Err error
}

type DisconnectedEvent struct {
  Source hr.Source
  Message string
}

func (SampleEvent) Type() Type { return TypeSample }
func (ErrorEvent) Type() Type { return TypeError }
func (DisconnectedEvent) Type() Type { return TypeDisconnected }

func (SampleEvent) event() {}
func (ErrorEvent) event() {}
func (DisconnectedEvent) event() {}

func (e SampleEvent) MarshalJSON() ([]byte, error) {
  return json.Marshal(struct {
    Type Type `json:"type"`
    Value int `json:"value"`
    CapturedAt string `json:"capturedAt"`
    Source hr.Source `json:"source"`
    IsRealTime bool `json:"isRealTime"`
    DeviceLabel string `json:"deviceLabel"`
  }{
    Type: TypeSample,
    Value: e.Value,
    CapturedAt: e.CapturedAt.Format(time.RFC3339),
    Source: e.Source,
    IsRealTime: e.IsRealTime,
    DeviceLabel: e.DeviceLabel,
  })
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
  return json.Marshal(struct {
    Type Type `json:"type"`
    Message string `json:"message"`
  }{TypeError, e.Message})
}

func (e DisconnectedEvent) MarshalJSON() ([]byte, error) {
  return json.Marshal(struct {
    Type Type `json:"type"`
    Source hr.Source `json:"source"`
    Message string `json:"message"`
  }{TypeDisconnected, e.Source, e.Message})
}

// Unwrap exposes the underlying transport error to in-process consumers. It is never
// serialized.
func (e ErrorEvent) Unwrap() error {
  return e.Err
}
