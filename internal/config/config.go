package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// Framing policies for inbound batches that fail to decode.
const (
	FramingAbort = "abort" // the cycle fails and the error reaches the caller
	FramingDrop  = "drop"  // the batch is logged, counted and skipped
)

// EnvPrefix is the prefix of environment overrides, e.g. PLOTREPL_PORT.
const EnvPrefix = "PLOTREPL"

// ReplConfig is the node configuration
type ReplConfig struct {
	// Identity
	NodeID        uint32 `mapstructure:"node-id"`
	StationPrefix string `mapstructure:"station-prefix"` // station names are prefix + node id

	// Network
	BindAddr     string `mapstructure:"bind"`
	Port         int    `mapstructure:"port"`
	AdvertiseURL string `mapstructure:"advertise-url"` // sent to peers; defaults to http://bind:port

	// Logging
	Verbosity int  `mapstructure:"verbosity"`
	JSONLog   bool `mapstructure:"json-log"`

	// Simulated time
	TimeMult        float64 `mapstructure:"time-mult"`
	Offset          int64   `mapstructure:"offset"`            // seconds added to the start time
	SecsBetweenRepl int64   `mapstructure:"secs-between-repl"` // simulated seconds between broadcasts

	PollInterval time.Duration `mapstructure:"poll-interval"`

	// Local sightings
	PlotsFile string `mapstructure:"plots"`

	// Peers, as station=url pairs, and an optional fixed priority order
	Peers       []string      `mapstructure:"peer"`
	Priority    []string      `mapstructure:"priority"`
	PeerTimeout time.Duration `mapstructure:"peer-timeout"`
	SendTimeout time.Duration `mapstructure:"send-timeout"`

	// Reconciliation
	DedupMatchDrone bool   `mapstructure:"dedup-match-drone"`
	RelayReplicated bool   `mapstructure:"relay-replicated"`
	FramingPolicy   string `mapstructure:"framing-policy"`
	MaxPasses       int    `mapstructure:"max-passes"`

	// Inbound queue
	QueueSize   int `mapstructure:"queue-size"`
	SeenMsgSize int `mapstructure:"seen-messages"`

	// SWIM membership; disabled when GossipPort is 0
	GossipPort int      `mapstructure:"gossip-port"`
	Seeds      []string `mapstructure:"seed"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *ReplConfig {
	return &ReplConfig{
		NodeID:          1,
		StationPrefix:   plot.DefaultStationPrefix,
		BindAddr:        "127.0.0.1",
		Port:            9999,
		Verbosity:       1,
		TimeMult:        1.0,
		Offset:          0,
		SecsBetweenRepl: 20,
		PollInterval:    time.Millisecond,
		PeerTimeout:     30 * time.Second,
		SendTimeout:     5 * time.Second,
		DedupMatchDrone: true,
		RelayReplicated: true,
		FramingPolicy:   FramingAbort,
		MaxPasses:       16,
		QueueSize:       256,
		SeenMsgSize:     4096,
		GossipPort:      0,
	}
}

// Station returns this node's station id.
func (c *ReplConfig) Station() plot.StationID {
	return plot.StationID(c.NodeID)
}

// StationName returns this node's name on the wire.
func (c *ReplConfig) StationName() string {
	return c.Station().Name(c.StationPrefix)
}

// ReplicationURL is where peers send batches to this node.
func (c *ReplConfig) ReplicationURL() string {
	if c.AdvertiseURL != "" {
		return strings.TrimRight(c.AdvertiseURL, "/")
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port)))
}

// Validate checks the configuration and reports every problem at once.
func (c *ReplConfig) Validate() error {
	var result *multierror.Error

	if c.Port <= 0 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.BindAddr == "" {
		result = multierror.Append(result, fmt.Errorf("bind address is empty"))
	}
	if c.StationPrefix == "" {
		result = multierror.Append(result, fmt.Errorf("station prefix is empty"))
	}
	if c.TimeMult <= 0 {
		result = multierror.Append(result, fmt.Errorf("time multiplier must be positive, got %g", c.TimeMult))
	}
	if c.SecsBetweenRepl < 0 {
		result = multierror.Append(result, fmt.Errorf("secs-between-repl must not be negative"))
	}
	if c.MaxPasses <= 0 {
		result = multierror.Append(result, fmt.Errorf("max-passes must be positive"))
	}
	if c.QueueSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("queue-size must be positive"))
	}
	if c.SeenMsgSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("seen-messages must be positive"))
	}
	switch c.FramingPolicy {
	case FramingAbort, FramingDrop:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown framing policy %q", c.FramingPolicy))
	}
	if c.GossipPort < 0 || c.GossipPort > 65535 {
		result = multierror.Append(result, fmt.Errorf("gossip port %d out of range", c.GossipPort))
	}

	if _, err := c.PeerURLs(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, rejected := plot.ParsePriorityOrder(c.StationPrefix, c.Priority); len(rejected) > 0 {
		result = multierror.Append(result, fmt.Errorf("priority entries without prefix %q: %v", c.StationPrefix, rejected))
	}

	return result.ErrorOrNil()
}

// PeerURLs parses the static peer list.
func (c *ReplConfig) PeerURLs() (map[plot.StationID]string, error) {
	peers := make(map[plot.StationID]string, len(c.Peers))
	for _, entry := range c.Peers {
		name, url, ok := strings.Cut(entry, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("peer %q: want station=url", entry)
		}
		id, err := plot.ParseStationID(c.StationPrefix, name)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", entry, err)
		}
		peers[id] = strings.TrimRight(url, "/")
	}
	return peers, nil
}

// SetDefaults registers the defaults with v so files and environment only need to
// carry overrides.
func SetDefaults(v *viper.Viper) error {
	var fields map[string]interface{}
	if err := mapstructure.Decode(DefaultConfig(), &fields); err != nil {
		return fmt.Errorf("config defaults: %w", err)
	}
	for key, val := range fields {
		v.SetDefault(key, val)
	}
	return nil
}

// Load reads the configuration file (when set), environment and bound flags from v.
func Load(v *viper.Viper, file string) (*ReplConfig, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := SetDefaults(v); err != nil {
		return nil, err
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := DefaultConfig()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
