package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-hr-bridge/connection"
	"github.com/robertof/go-hr-bridge/event"
	"github.com/robertof/go-hr-bridge/hr"
)

const (
  subscriberBuffer = 64
  pingInterval = 20 * time.Second
  writeTimeout = 5 * time.Second
  maxFragmentSize = 8 << 10
)

// controller is the part of *connection.Manager the HTTP surface drives.
type controller interface {
  Status() connection.Status
  Connect(ctx context.Context, kind hr.Source) error
  Disconnect()
  BeginAuthorization() (*url.URL, error)
  CompleteAuthorization(fragment string) bool
}

// hub fans events out to websocket clients. Slow clients lose events instead of
// stalling the dispatcher.
type hub struct {
  mu sync.RWMutex
  subs map[chan event.Event]struct{}
}

func newHub() *hub {
  return &hub{subs: make(map[chan event.Event]struct{})}
}

func (h *hub) Subscribe() (<-chan event.Event, func()) {
  ch := make(chan event.Event, subscriberBuffer)

  h.mu.Lock()
  h.subs[ch] = struct{}{}
  h.mu.Unlock()

  return ch, func() {
    h.mu.Lock()
    delete(h.subs, ch)
    h.mu.Unlock()
  }
}

func (h *hub) Publish(ev event.Event) {
  h.mu.RLock()
  defer h.mu.RUnlock()

  for ch := range h.subs {
    select {
    case ch <- ev:
    default:
      log.Debug().Msg("server: dropping event for slow websocket client")
    }
  }
}

func (h *hub) Len() int {
  h.mu.RLock()
  defer h.mu.RUnlock()

  return len(h.subs)
}

var wsUpgrader = websocket.Upgrader{
  ReadBufferSize: 1024,
  WriteBufferSize: 4096,
  CheckOrigin: func(_ *http.Request) bool { return true },
}

type server struct {
  ctrl controller
  hub *hub
}

func newServer(ctrl controller, hub *hub, gatherer prometheus.Gatherer) http.Handler {
  s := &server{ctrl: ctrl, hub: hub}
  mux := http.NewServeMux()

  mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
  mux.HandleFunc("GET /status", s.status)
  mux.HandleFunc("POST /connect", s.connect)
  mux.HandleFunc("POST /disconnect", s.disconnect)
  mux.HandleFunc("GET /authorize", s.authorize)
  mux.HandleFunc("GET /callback", s.callbackPage)
  mux.HandleFunc("POST /callback/complete", s.completeAuthorization)
  mux.HandleFunc("GET /events", s.events)

  return withLogging(mux)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
  w.Header().Set("Content-Type", "application/json")
  w.WriteHeader(code)

  if err := json.NewEncoder(w).Encode(v); err != nil {
    log.Debug().Err(err).Msg("server: failed to write response")
  }
}

func writeError(w http.ResponseWriter, code int, err error) {
  writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
  writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *server) connect(w http.ResponseWriter, r *http.Request) {
  src, err := hr.ParseSource(r.URL.Query().Get("source"))

  if err != nil {
    writeError(w, http.StatusBadRequest, err)
    return
  }

  err = s.ctrl.Connect(r.Context(), src)

  switch {
  case err == nil:
    writeJSON(w, http.StatusAccepted, s.ctrl.Status())
  case errors.Is(err, connection.ErrUnknownSource):
    writeError(w, http.StatusBadRequest, err)
  default:
    writeError(w, http.StatusServiceUnavailable, err)
  }
}

func (s *server) disconnect(w http.ResponseWriter, r *http.Request) {
  s.ctrl.Disconnect()
  w.WriteHeader(http.StatusNoContent)
}

func (s *server) authorize(w http.ResponseWriter, r *http.Request) {
  u, err := s.ctrl.BeginAuthorization()

  if err != nil {
    writeError(w, http.StatusServiceUnavailable, err)
    return
  }

  if u == nil {
    http.Redirect(w, r, "/status", http.StatusFound)
    return
  }

  http.Redirect(w, r, u.String(), http.StatusFound)
}

// the token comes back in the URL fragment, which never reaches the server; the page
// posts it back.
const callbackPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>hr-bridge authorization</title></head>
<body>
<p id="result">Completing authorization...</p>
<script>
fetch("/callback/complete", {method: "POST", body: window.location.hash})
  .then(function (r) {
    document.getElementById("result").textContent =
      r.ok ? "Authorization completed. You can close this window." : "Authorization failed.";
  });
</script>
</body>
</html>
`

func (s *server) callbackPage(w http.ResponseWriter, r *http.Request) {
  w.Header().Set("Content-Type", "text/html; charset=utf-8")
  w.Header().Set("Cache-Control", "no-store")
  io.WriteString(w, callbackPage)
}

func (s *server) completeAuthorization(w http.ResponseWriter, r *http.Request) {
  body, err := io.ReadAll(io.LimitReader(r.Body, maxFragmentSize))

  if err != nil {
    writeError(w, http.StatusBadRequest, err)
    return
  }

  if !s.ctrl.CompleteAuthorization(string(body)) {
    writeError(w, http.StatusBadRequest, errors.New("authorization callback carries no usable token"))
    return
  }

  w.WriteHeader(http.StatusNoContent)
}

func (s *server) events(w http.ResponseWriter, r *http.Request) {
  conn, err := wsUpgrader.Upgrade(w, r, nil)

  if err != nil {
    log.Warn().Err(err).Msg("server: websocket upgrade failed")
    return
  }

  defer conn.Close()

  ch, unsubscribe := s.hub.Subscribe()
  defer unsubscribe()

  // control frames are only processed while reading; stop when the client goes away.
  gone := make(chan struct{})

  go func() {
    defer close(gone)

    for {
      if _, _, err := conn.ReadMessage(); err != nil {
        return
      }
    }
  }()

  ping := time.NewTicker(pingInterval)
  defer ping.Stop()

  log.Debug().Str("Remote", r.RemoteAddr).Msg("server: websocket client connected")

  for {
    select {
    case ev := <-ch:
      conn.SetWriteDeadline(time.Now().Add(writeTimeout))

      if err := conn.WriteJSON(ev); err != nil {
        log.Debug().Err(err).Msg("server: websocket write failed")
        return
      }
    case <-ping.C:
      if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
        return
      }
    case <-gone:
      log.Debug().Str("Remote", r.RemoteAddr).Msg("server: websocket client disconnected")
      return
    case <-r.Context().Done():
      return
    }
  }
}

type responseWriter struct {
  http.ResponseWriter
  code int
}

func (rw *responseWriter) WriteHeader(code int) {
  rw.code = code
  rw.ResponseWriter.WriteHeader(code)
}

// Hijack is needed by the websocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
  h, ok := rw.ResponseWriter.(http.Hijacker)

  if !ok {
    return nil, nil, errors.New("response writer does not support hijacking")
  }

  rw.code = http.StatusSwitchingProtocols

  return h.Hijack()
}

func withLogging(next http.Handler) http.Handler {
  return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
    start := time.Now()
    rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}

    next.ServeHTTP(rw, r)

    log.Debug().
      Str("Method", r.Method).
      Str("Path", r.URL.Path).
      Int("Status", rw.code).
      Dur("Duration", time.Since(start)).
      Msg("server: request")
  })
}
