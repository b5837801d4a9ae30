package metrics

import (
  "sync"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-hr-bridge/event"
  "github.com/robertof/go-hr-bridge/hr"
)

var (
  descHeartRate = prometheus.NewDesc(
    "heart_rate_bpm",
    "Most recent heart rate reported by a source, in beats per minute.",
    []string{"source", "device"},
    nil,
  )

  descRealTime = prometheus.NewDesc(
    "heart_rate_realtime_info",
    "Whether the most recent sample of a source was captured in real time. 1 = real time, 0 = delayed.",
    []string{"source", "device"},
    nil,
  )

  descActiveSource = prometheus.NewDesc(
    "heart_rate_active_source_info",
    "Currently active heart rate source. 1 for the active source, 0 otherwise.",
    []string{"source"},
    nil,
  )
)

// ActiveFunc reports the source that is currently streaming.
type ActiveFunc func() hr.Source

// Latest keeps the most recent sample of each source and exposes it as metrics, stamped
// with the time the sample was captured.
type Latest struct {
  active ActiveFunc

  mu sync.Mutex
  samples map[hr.Source]hr.Sample
}

func NewLatest(active ActiveFunc) *Latest {
  return &Latest{
    active: active,
    samples: make(map[hr.Source]hr.Sample),
  }
}

// Observe records sample events and ignores everything else.
func (l *Latest) Observe(ev event.Event) {
  s, ok := ev.(event.SampleEvent)

  if !ok {
    return
  }

  l.mu.Lock()
  defer l.mu.Unlock()

  l.samples[s.Source] = s.Sample
}

func (l *Latest) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(l, ch)
}

func (l *Latest) Collect(ch chan<- prometheus.Metric) {
  l.mu.Lock()
  samples := make([]hr.Sample, 0, len(l.samples))

  for _, s := range l.samples {
    samples = append(samples, s)
  }

  l.mu.Unlock()

  for _, s := range samples {
    heartRate := prometheus.MustNewConstMetric(
      descHeartRate,
      prometheus.GaugeValue,
      float64(s.Value),
      s.Source.String(),
      s.DeviceLabel,
    )

    ch <- prometheus.NewMetricWithTimestamp(s.CapturedAt, heartRate)

    realTime := 0.0

    if s.IsRealTime {
      realTime = 1
    }

    ch <- prometheus.MustNewConstMetric(
      descRealTime,
      prometheus.GaugeValue,
      realTime,
      s.Source.String(),
      s.DeviceLabel,
    )
  }

  if l.active == nil {
    return
  }

  active := l.active()

  for _, src := range []hr.Source{hr.SourceRadio, hr.SourceCloud} {
    v := 0.0

    if src == active {
      v = 1
    }

    ch <- prometheus.MustNewConstMetric(descActiveSource, prometheus.GaugeValue, v, src.String())
  }
}

func RegisterCollector(l *Latest, reg prometheus.Registerer) {
  reg.MustRegister(l)
}
