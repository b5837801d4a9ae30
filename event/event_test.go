package event_test

import (
  "encoding/json"
  "testing"
  "time"

  "github.com/robertof/go-hr-bridge/event"
  "github.com/robertof/go-hr-bridge/hr"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestEventJSONShape(t *testing.T) {
  cases := []struct {
    name string
    ev   event.Event
    want string
  }{
    {
      name: "sample",
      ev: event.SampleEvent{Sample: hr.Sample{
        Value:       72,
        CapturedAt:  time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC),
        Source:      hr.SourceRadio,
        IsRealTime:  true,
        DeviceLabel: "Polar H10",
      }},
      want: `{"type":"sample","value":72,"capturedAt":"2024-03-10T08:30:00Z","source":"radio","isRealTime":true,"deviceLabel":"Polar H10"}`,
    },
    {
      name: "error",
      ev:   event.ErrorEvent{Message: "Heart rate sensor not found", Err: assert.AnError},
      want: `{"type":"error","message":"Heart rate sensor not found"}`,
    },
    {
      name: "disconnected",
      ev:   event.DisconnectedEvent{Source: hr.SourceCloud, Message: "authorization expired"},
      want: `{"type":"disconnected","source":"cloud","message":"authorization expired"}`,
    },
  }

  for _, c := range cases {
    t.Run(c.name, func(t *testing.T) {
      got, err := json.Marshal(c.ev)

      require.NoError(t, err)
      assert.JSONEq(t, c.want, string(got))
      assert.Equal(t, event.Type(c.name), c.ev.Type())
    })
  }
}
