// Package testenv provides utilities for testing the freshness layer: a
// deterministic log handler and a realtime client factory that honors the
// transport selected through the environment.
package testenv

import (
	"os"
	"time"

	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/realtime"
	"github.com/shopfront/freshness/pkg/realtime/gorillaws"
	"github.com/shopfront/freshness/pkg/realtime/gws"
)

const (
	// EnvTransportImpl selects the websocket implementation used by
	// NewRealtimeClient. If set to "gws", it uses the gws package; otherwise,
	// it defaults to the gorillaws package.
	EnvTransportImpl = "FRESHNESS_TRANSPORT_IMPL"

	// EnvJoinTimeout overrides the join timeout of test clients.
	EnvJoinTimeout = "FRESHNESS_TEST_JOIN_TIMEOUT"

	defaultJoinTimeout = 2 * time.Second
)

// RealtimeClient is the client returned by NewRealtimeClient: a
// realtime.Client whose transport can connect, disconnect and send.
type RealtimeClient interface {
	realtime.Client
	realtime.Transport
	realtime.Connector
	realtime.Disconnector
	realtime.Sender
}

// TransportImpl returns the transport implementation name selected by the
// environment.
func TransportImpl() string {
	if os.Getenv(EnvTransportImpl) == "gws" {
		return "gws"
	}
	return "gorillaws"
}

// NewRealtimeClient creates an unconnected realtime client for url.
func NewRealtimeClient(url string, log logger.Logger) RealtimeClient {
	joinTimeout := defaultJoinTimeout
	if v := os.Getenv(EnvJoinTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			joinTimeout = d
		}
	}

	if TransportImpl() == "gws" {
		return gws.New(url, gws.WithLogger(log), gws.WithJoinTimeout(joinTimeout))
	}
	return gorillaws.New(url, gorillaws.WithLogger(log), gorillaws.WithJoinTimeout(joinTimeout))
}
