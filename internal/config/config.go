// Package config loads the crawler's runtime configuration through viper,
// layering defaults, a config file, and environment variables, then
// exposes it as a typed Config the rest of the system consumes without
// any further viper dependency.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultMaxMetadataSize bounds how large an info dict we'll buffer
	// for a single peer before giving up on it.
	DefaultMaxMetadataSize = 10 * 1024 * 1024 // 10 MiB

	// DefaultFetchTimeout is the wall-clock deadline for one metadata
	// fetch job, start to finish.
	DefaultFetchTimeout = 120 * time.Second

	// DefaultTickPeriod is how often the Sybil node refreshes its
	// neighbourhood and re-evaluates its AIMD budget.
	DefaultTickPeriod = 1 * time.Second

	// DefaultMaxNeighbours is N_max_neighbours at startup.
	DefaultMaxNeighbours = 2000

	// MinNeighbours is the AIMD floor below which N_max_neighbours never
	// shrinks.
	MinNeighbours = 200

	// MaxActivePeersPerInfoHash bounds concurrent fetchers per infohash.
	MaxActivePeersPerInfoHash = 5
)

// DefaultBootstrapRouters are queried with find_node when the routing
// table is empty.
var DefaultBootstrapRouters = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Config holds every option recognised by the crawler, per the
// configuration surface the coordinator/sybil/fetcher/store components
// are built against.
type Config struct {
	// NodeAddr is the bind endpoint for the Sybil node's UDP socket.
	NodeAddr string
	// MaxMetadataSize caps how many bytes a single fetch job will buffer.
	MaxMetadataSize int
	// DatabaseFile is handed to the store adapter verbatim.
	DatabaseFile string
	// Debug enables verbose logging.
	Debug bool

	FetchTimeout     time.Duration
	TickPeriod       time.Duration
	MaxNeighbours    int
	BootstrapRouters []string
}

// Default returns a Config populated with this system's defaults.
func Default() *Config {
	return &Config{
		NodeAddr:         "0.0.0.0:0",
		MaxMetadataSize:  DefaultMaxMetadataSize,
		DatabaseFile:     "crawld.db",
		Debug:            false,
		FetchTimeout:     DefaultFetchTimeout,
		TickPeriod:       DefaultTickPeriod,
		MaxNeighbours:    DefaultMaxNeighbours,
		BootstrapRouters: append([]string(nil), DefaultBootstrapRouters...),
	}
}

// Load builds a viper instance layering Default()'s values, an optional
// config file, and CRAWLD_-prefixed environment variables, then decodes
// the result into a Config.
func Load(configFile string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix("crawld")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node_addr", def.NodeAddr)
	v.SetDefault("max_metadata_size", def.MaxMetadataSize)
	v.SetDefault("database_file", def.DatabaseFile)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("fetch_timeout", def.FetchTimeout)
	v.SetDefault("tick_period", def.TickPeriod)
	v.SetDefault("max_neighbours", def.MaxNeighbours)
	v.SetDefault("bootstrap_routers", def.BootstrapRouters)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	cfg.NodeAddr = v.GetString("node_addr")
	cfg.MaxMetadataSize = v.GetInt("max_metadata_size")
	cfg.DatabaseFile = v.GetString("database_file")
	cfg.Debug = v.GetBool("debug")
	cfg.FetchTimeout = v.GetDuration("fetch_timeout")
	cfg.TickPeriod = v.GetDuration("tick_period")
	cfg.MaxNeighbours = v.GetInt("max_neighbours")
	if routers := v.GetStringSlice("bootstrap_routers"); len(routers) > 0 {
		cfg.BootstrapRouters = routers
	}
	return cfg, nil
}
