package node

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-treerpc/config"
	"github.com/spacemeshos/go-treerpc/transport"
	"github.com/spacemeshos/go-treerpc/tree"
	"github.com/spacemeshos/go-treerpc/tree/jsontree"
	"github.com/spacemeshos/go-treerpc/treerpc"
)

// logs collects the output of loggers writing from several goroutines.
type logs struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logs) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logs) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestNewAppliesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Modules = map[string]string{"treerpc": "error"}
	cfg.TreeRPC.BatchSize = 2

	visitors := treerpc.NewVisitorRegistry()
	require.NoError(t, visitors.Register(jsontree.Language, "identity", func() treerpc.Visitor {
		return treerpc.VisitorFunc(func(_ context.Context, tr tree.Tree, _ any) (tree.Tree, error) {
			return tr, nil
		})
	}))

	out := &logs{}
	a, b := transport.Pipe(16)
	issuer, err := New(a, cfg, WithName("issuer"), WithLogWriter(out))
	require.NoError(t, err)
	responder, err := New(b, cfg,
		WithName("responder"),
		WithLogWriter(out),
		WithPeerOptions(treerpc.WithVisitors(visitors)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return issuer.Run(ctx) })
	eg.Go(func() error { return responder.Run(ctx) })

	d, err := jsontree.Parse("doc.json", `{"name": "value"}`)
	require.NoError(t, err)
	got, err := issuer.Visit(ctx, d, jsontree.Language, "identity", nil)
	require.NoError(t, err)
	require.Equal(t, jsontree.Print(d), jsontree.Print(got.(jsontree.Json)))

	cancel()
	a.Close()
	require.NoError(t, eg.Wait())

	// dispatchers log at debug, the peers only at error
	require.Contains(t, out.String(), "request sent")
	require.NotContains(t, out.String(), "transaction started")
	require.NotContains(t, out.String(), "transaction closed")
}

func TestNewInvalidLogging(t *testing.T) {
	a, _ := transport.Pipe(1)
	for _, tc := range []struct {
		desc   string
		modify func(*config.Config)
	}{
		{desc: "level", modify: func(cfg *config.Config) { cfg.Logging.Modules = map[string]string{"jsonrpc": "loud"} }},
		{desc: "encoder", modify: func(cfg *config.Config) { cfg.Logging.Encoder = "xml" }},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tc.modify(&cfg)
			_, err := New(a, cfg)
			require.Error(t, err)
		})
	}
}
