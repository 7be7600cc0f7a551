package signalcli

import (
	"context"
	"log/slog"
)

// Daemon adapts the signal-cli subprocess to the supervisor's daemon
// contract. Health is a round-trip version call, so a hung JVM is
// treated the same as a dead one.
type Daemon struct {
	client *Client
	logger *slog.Logger
}

// NewDaemon wraps a client for supervision.
func NewDaemon(client *Client, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{client: client, logger: logger}
}

func (d *Daemon) Start(ctx context.Context) error {
	return d.client.Start(ctx)
}

func (d *Daemon) Stop() error {
	return d.client.Close()
}

func (d *Daemon) CheckHealth(ctx context.Context) error {
	return d.client.Version(ctx)
}

func (d *Daemon) Done() <-chan error {
	return d.client.Exited()
}
