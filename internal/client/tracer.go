package client

import (
	"context"
	"log/slog"

	"github.com/roach88/ordserv/internal/config"
	"github.com/roach88/ordserv/internal/hook"
)

// Tracer is the surface an embedding program (or a foreign-language shim)
// calls at its tracepoints.
type Tracer interface {
	MaybeDo(hookName string, client int32, seq uint32) error
	MaybeWait(hookName string, client int32, seq uint32) error
	MaybeNotify(hookName string, client int32, seq uint32) error
	Finish() error
}

var (
	_ Tracer = (*Link)(nil)
	_ Tracer = Nop{}
)

// Nop is a Tracer for runs without a coordinator. Every call returns nil.
type Nop struct{}

func (Nop) MaybeDo(string, int32, uint32) error     { return nil }
func (Nop) MaybeWait(string, int32, uint32) error   { return nil }
func (Nop) MaybeNotify(string, int32, uint32) error { return nil }
func (Nop) Finish() error                           { return nil }

// StartFromEnv starts a Link configured from ORDSERV_* environment variables
// (ORDSERV_ADDR or ORDSERV_PORT, ORDSERV_WAIT_TIMEOUT, ORDSERV_RUN_ID,
// ORDSERV_CLIENT_ID). With no coordinator address configured it returns Nop
// and a nil Worker, whose Wait returns immediately.
func StartFromEnv(ctx context.Context, opts ...Option) (Tracer, *Worker, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}

	address := cfg.Client.Address()
	if address == "" {
		slog.Debug("no coordinator configured, tracepoints disabled")
		return Nop{}, nil, nil
	}

	opts = append([]Option{
		WithWaitTimeout(cfg.Client.WaitTimeout()),
		WithRunID(cfg.Client.RunID),
	}, opts...)
	link, worker, err := Start(ctx, address, hook.ClientID(cfg.Client.ID), opts...)
	if err != nil {
		return nil, nil, err
	}
	return link, worker, nil
}
