// Package valkey opens the connection that carries invocation streams and
// batch reservations.
package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/maraichr/gdr/internal/config"
)

const pingTimeout = 5 * time.Second

// Options derives client options from the pipeline config. The client name
// shows up in CLIENT LIST and in XINFO CONSUMERS next to the stream groups.
func Options(cfg config.ValkeyConfig, name string) valkey.ClientOption {
	return valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		ClientName:  name,
	}
}

// Open connects and fails fast when the server does not answer a PING.
func Open(ctx context.Context, cfg config.ValkeyConfig, name string) (valkey.Client, error) {
	client, err := valkey.NewClient(Options(cfg, name))
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", cfg.Addr, err)
	}
	if err := Ready(client).Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey %s not answering: %w", cfg.Addr, err)
	}
	return client, nil
}

// Readiness reports queue health to /readyz.
type Readiness struct{ client valkey.Client }

func Ready(client valkey.Client) Readiness { return Readiness{client: client} }

func (r Readiness) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return r.client.Do(ctx, r.client.B().Ping().Build()).Error()
}
