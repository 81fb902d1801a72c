// SPDX-License-Identifier: MPL-2.0

package comms

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const connectTimeout = 10 * time.Second

type Config struct {
	Logger     *slog.Logger
	Host       string
	Port       int
	Token      string
	JSDir      string
	JSKey      string
	MaxStore   int64 // in bytes
	DontListen bool
}

type Comms struct {
	Conn   *nats.Conn
	Server *server.Server
}

// New starts an embedded NATS server with JetStream enabled and returns an
// in-process client connection to it. State events and change notifications
// all flow through this server.
func New(cfg Config) (Comms, error) {
	opts := &server.Options{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		Authorization:          cfg.Token,
		JetStream:              true,
		DisableJetStreamBanner: true,
		StoreDir:               cfg.JSDir,
		JetStreamKey:           cfg.JSKey,
		JetStreamMaxStore:      cfg.MaxStore,
		DontListen:             cfg.DontListen,
		// Result sets are persisted in a single state event, so allow
		// larger messages than the 1MB NATS default.
		MaxPayload: 8 * 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return Comms{}, fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.SetLoggerV2(newNATSLogger(cfg.Logger), false, false, false)
	go ns.Start()
	if !ns.ReadyForConnections(connectTimeout) {
		return Comms{}, fmt.Errorf("NATS server not ready for connections after %s", connectTimeout)
	}
	clientOpts := []nats.Option{nats.InProcessServer(ns)}
	if cfg.Token != "" {
		clientOpts = append(clientOpts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(ns.ClientURL(), clientOpts...)
	if err != nil {
		return Comms{}, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	return Comms{Conn: nc, Server: ns}, nil
}

func (c Comms) Close() {
	c.Conn.Close()
	c.Server.Shutdown()
	c.Server.WaitForShutdown()
}
