package ble

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hrbridge_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hrbridge_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hrbridge_ble_disconnections_total",
	})
)

// Connect opens a link to addr. The link is never shared: closing it is up to the caller.
func (h *Handle) Connect(ctx context.Context, addr Addr) (Client, error) {
	conn, err := h.dev.Dial(ctx, addr)

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Str("Addr", addr.String()).Msg("ble: successfully opened new connection to device")

	// count link losses regardless of who ends up watching the connection.
	go func() {
		<-conn.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Str("Addr", addr.String()).Msg("ble: connection with device closed")
	}()

	return conn, nil
}
