// Package node assembles a peer from configuration.
package node

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-treerpc/config"
	"github.com/spacemeshos/go-treerpc/jsonrpc"
	"github.com/spacemeshos/go-treerpc/log"
	"github.com/spacemeshos/go-treerpc/treerpc"
)

type options struct {
	name   string
	writer io.Writer
	peer   []treerpc.Opt
}

// Opt modifies how New assembles the peer.
type Opt func(*options)

// WithName names the dispatcher in logs and metrics.
func WithName(name string) Opt {
	return func(o *options) {
		o.name = name
	}
}

// WithLogWriter sends the logs of the peer to w instead of stdout.
func WithLogWriter(w io.Writer) Opt {
	return func(o *options) {
		o.writer = w
	}
}

// WithPeerOptions adds options applied after the configured ones, e.g. the visitors to serve.
func WithPeerOptions(opts ...treerpc.Opt) Opt {
	return func(o *options) {
		o.peer = append(o.peer, opts...)
	}
}

// New builds a dispatcher on the transport and a peer on the dispatcher. Each gets
// a module logger with the level configured for it in cfg.Logging.
func New(t jsonrpc.Transport, cfg config.Config, opts ...Opt) (*treerpc.Peer, error) {
	o := options{name: "jsonrpc", writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	dlog, err := logger(cfg.Logging, "jsonrpc", o.writer)
	if err != nil {
		return nil, err
	}
	plog, err := logger(cfg.Logging, "treerpc", o.writer)
	if err != nil {
		return nil, err
	}

	dopts := append([]jsonrpc.Opt{jsonrpc.WithLogger(dlog), jsonrpc.WithName(o.name)}, cfg.JSONRPC.Options()...)
	popts := append([]treerpc.Opt{treerpc.WithLogger(plog)}, cfg.TreeRPC.Options()...)
	popts = append(popts, o.peer...)
	return treerpc.New(jsonrpc.New(t, dopts...), popts...), nil
}

func logger(cfg log.Config, module string, w io.Writer) (*zap.Logger, error) {
	l, err := log.NewWithWriter(cfg, module, w)
	if err != nil {
		return nil, fmt.Errorf("%s logger: %w", module, err)
	}
	return l, nil
}
