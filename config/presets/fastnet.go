package presets

import (
	"time"

	"github.com/spacemeshos/go-treerpc/config"
)

func init() {
	register("fastnet", fastnet())
}

// fastnet shrinks batches and timeouts so that multi-batch exchanges happen on small trees.
func fastnet() config.Config {
	conf := config.DefaultConfig()
	conf.Logging.Level = "debug"

	conf.JSONRPC.Timeout = 2 * time.Second
	conf.JSONRPC.Workers = 2
	conf.JSONRPC.QueueSize = 16

	conf.TreeRPC.BatchSize = 2
	conf.TreeRPC.QueueSize = 1
	conf.TreeRPC.SnapshotCacheSize = 16
	conf.TreeRPC.Timeout = 5 * time.Second
	return conf
}
