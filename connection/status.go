package connection

import (
  "github.com/robertof/go-hr-bridge/hr"
  "github.com/robertof/go-hr-bridge/transport/radio"
)

// Status is a point in time snapshot. Radio and Cloud are nil when the manager was built
// without the corresponding transport.
type Status struct {
  ActiveSource hr.Source `json:"activeSource"`
  Radio *RadioStatus `json:"radio"`
  Cloud *CloudStatus `json:"cloud"`
}

type RadioStatus struct {
  Connected bool `json:"connected"`
  DeviceLabel string `json:"deviceLabel"`
}

type CloudStatus struct {
  Authorized bool `json:"authorized"`
  Polling bool `json:"polling"`
}

func (m *Manager) Status() Status {
  m.mu.Lock()
  st := Status{ActiveSource: m.active}
  m.mu.Unlock()

  if m.radio != nil {
    dev, _ := m.radio.Device()

    st.Radio = &RadioStatus{
      Connected: m.radio.State() == radio.StateConnected,
      DeviceLabel: dev.Label,
    }
  }

  if m.cloud != nil {
    st.Cloud = &CloudStatus{
      Authorized: m.cloud.IsAuthorized(),
      Polling: m.cloud.Polling(),
    }
  }

  return st
}
