package nats

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caarlos0/env/v11"
	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector creates the underlying NATS connection. The returned close
// function releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ConnectConfig is read from the environment by ConnectDefault.
type ConnectConfig struct {
	URL           string `env:"NATS_URL"`
	MaxReconnects int    `env:"NATS_MAX_RECONNECTS" envDefault:"3"`
}

// ReuseConnection wraps a Connector so all leases share one connection;
// the connection closes when the last lease is released.
func ReuseConnection(connect Connector) Connector {
	var mu sync.Mutex
	var nc *natsgo.Conn
	var closeCon closeFunc
	var leased atomic.Int64
	var weakClose closeFunc = func() {
		mu.Lock()
		defer mu.Unlock()
		if leased.Add(-1) == 0 {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased.Add(1)
		return nc, weakClose, nil
	}
}

// ConnectURL connects to the given NATS URL.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	if len(opts) == 0 {
		opts = []natsgo.Option{natsgo.MaxReconnects(3)}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(natsURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects using NATS_URL and NATS_MAX_RECONNECTS from the
// environment, falling back to the default local URL.
func ConnectDefault() Connector {
	cfg, err := env.ParseAs[ConnectConfig]()
	if err != nil {
		return func() (*natsgo.Conn, closeFunc, error) {
			return nil, nil, fmt.Errorf("failed to parse NATS config: %w", err)
		}
	}
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	return ConnectURL(cfg.URL, natsgo.MaxReconnects(cfg.MaxReconnects))
}
