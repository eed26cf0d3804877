package presets

import (
	"github.com/spacemeshos/go-treerpc/config"
	"github.com/spacemeshos/go-treerpc/log"
)

func init() {
	register("standalone", standalone())
}

// standalone runs a single pair of peers in one process with metrics enabled.
func standalone() config.Config {
	conf := config.DefaultConfig()
	conf.Logging.Encoder = log.JSONEncoder
	conf.JSONRPC.Metrics = true
	conf.TreeRPC.Metrics = true
	return conf
}
